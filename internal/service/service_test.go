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

package service

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"prjfs/internal/dataqueue"
)

type fakeConn struct {
	dataqueue.Connection
	clientType ClientType
}

func (c *fakeConn) ClientType() ClientType { return c.clientType }
func (c *fakeConn) Close() error           { return nil }

type fakeProperty struct {
	value any
	svc   *fakeService
}

func (p *fakeProperty) Value() any { return p.value }

func (p *fakeProperty) Release() {
	p.svc.released++
	p.svc.outstanding--
}

type fakeService struct {
	props    map[string]any
	openErr  error
	openNil  bool
	opened   []ClientType
	released int
	// outstanding counts handles handed out and not yet released.
	outstanding int
}

func (s *fakeService) Release() {
	s.released++
	s.outstanding--
}

func (s *fakeService) Property(key string) Property {
	v, ok := s.props[key]
	if !ok {
		return nil
	}
	s.outstanding++
	return &fakeProperty{value: v, svc: s}
}

func (s *fakeService) Open(ct ClientType) (Connection, error) {
	s.opened = append(s.opened, ct)
	if s.openErr != nil {
		return nil, s.openErr
	}
	if s.openNil {
		return nil, nil
	}
	return &fakeConn{clientType: ct}, nil
}

type fakeRegistry struct {
	svc     *fakeService
	queried []string
}

func (r *fakeRegistry) MatchService(class string) Service {
	r.queried = append(r.queried, class)
	if r.svc == nil {
		return nil
	}
	r.svc.outstanding++
	return r.svc
}

func newService(version any) *fakeService {
	return &fakeService{props: map[string]any{VersionPropertyKey: version}}
}

func TestConnect_Success(t *testing.T) {
	svc := newService(InterfaceVersion)
	reg := &fakeRegistry{svc: svc}

	conn, err := Connect(reg, ClientTypeProvider)
	require.NoError(t, err)
	require.NotNil(t, conn)
	assert.Equal(t, ClientTypeProvider, conn.ClientType())
	assert.Equal(t, []string{ServiceClass}, reg.queried)
	assert.Equal(t, 2, svc.released, "service and property released")
	assert.Zero(t, svc.outstanding)
}

func TestConnect_ServiceNotFound(t *testing.T) {
	_, err := Connect(&fakeRegistry{}, ClientTypeProvider)
	assert.ErrorIs(t, err, ErrServiceNotFound)
}

func TestConnect_VersionProperty(t *testing.T) {
	t.Run("missing", func(t *testing.T) {
		svc := &fakeService{}
		_, err := Connect(&fakeRegistry{svc: svc}, ClientTypeProvider)
		assert.ErrorIs(t, err, ErrVersionPropertyInvalid)
		assert.Equal(t, 1, svc.released)
		assert.Empty(t, svc.opened)
	})
	t.Run("wrong type", func(t *testing.T) {
		svc := newService(42)
		_, err := Connect(&fakeRegistry{svc: svc}, ClientTypeProvider)
		assert.ErrorIs(t, err, ErrVersionPropertyInvalid)
		assert.Equal(t, 2, svc.released)
		assert.Empty(t, svc.opened)
	})
}

func TestConnect_VersionMustMatchExactly(t *testing.T) {
	for _, advertised := range []string{
		"1.0.1",
		"1.0.0 ",
		" 1.0.0",
		"1.0",
		"v1.0.0",
		"",
	} {
		t.Run(advertised, func(t *testing.T) {
			svc := newService(advertised)
			_, err := Connect(&fakeRegistry{svc: svc}, ClientTypeProvider)

			require.ErrorIs(t, err, ErrVersionMismatch)
			var mm *VersionMismatchError
			require.ErrorAs(t, err, &mm)
			assert.Equal(t, advertised, mm.Advertised)
			assert.Equal(t, InterfaceVersion, mm.Expected)
			assert.Contains(t, err.Error(), InterfaceVersion)
			assert.Empty(t, svc.opened, "no connection attempt after mismatch")
			assert.Equal(t, 2, svc.released)
			assert.Zero(t, svc.outstanding)
		})
	}
}

func TestConnector_ExpectedVersionIsCaseSensitive(t *testing.T) {
	svc := newService("Build-ABC")
	c := &Connector{Registry: &fakeRegistry{svc: svc}, ExpectedVersion: "build-abc"}

	_, err := c.Connect(ClientTypeOfflineIO)
	assert.ErrorIs(t, err, ErrVersionMismatch)

	c.ExpectedVersion = "Build-ABC"
	conn, err := c.Connect(ClientTypeOfflineIO)
	require.NoError(t, err)
	assert.Equal(t, ClientTypeOfflineIO, conn.ClientType())
}

func TestConnect_OpenFailure(t *testing.T) {
	t.Run("error", func(t *testing.T) {
		svc := newService(InterfaceVersion)
		svc.openErr = errors.New("kIOReturnNotPermitted")
		_, err := Connect(&fakeRegistry{svc: svc}, ClientTypeProvider)
		assert.ErrorIs(t, err, ErrConnectionFailed)
		assert.Contains(t, err.Error(), "kIOReturnNotPermitted")
		assert.Equal(t, 2, svc.released)
	})
	t.Run("nil connection", func(t *testing.T) {
		svc := newService(InterfaceVersion)
		svc.openNil = true
		_, err := Connect(&fakeRegistry{svc: svc}, ClientTypeProvider)
		assert.ErrorIs(t, err, ErrConnectionFailed)
		assert.Equal(t, 2, svc.released)
	})
}

func TestClientTypeString(t *testing.T) {
	assert.Equal(t, "provider", ClientTypeProvider.String())
	assert.Equal(t, "offline-io", ClientTypeOfflineIO.String())
	assert.Equal(t, "ClientType(7)", ClientType(7).String())
}
