// Copyright 2024 PrjFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package dataqueue

import "errors"

var (
	ErrPortAllocation   = errors.New("failed to allocate notification port")
	ErrPortRegistration = errors.New("failed to register notification port")
	ErrMapFailed        = errors.New("failed to map queue memory")
	ErrInvalidQueue     = errors.New("invalid queue memory")
	ErrPortClosed       = errors.New("notification port closed")
)
