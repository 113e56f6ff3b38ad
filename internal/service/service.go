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

// Package service locates the privileged prjfs service, checks that it
// speaks the same interface version as this library and opens a client
// connection to it.
package service

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"prjfs/internal/cleanup"
	"prjfs/internal/dataqueue"
)

const (
	ServiceClass       = "org_vfsforgit_PrjFSService"
	VersionPropertyKey = "org.vfsforgit.PrjFSKext.InterfaceVersion"
	// InterfaceVersion must match the service's advertised version byte
	// for byte.
	InterfaceVersion = "1.0.0"
)

// Event queue kinds registered by provider clients.
const (
	EventPortKind   dataqueue.PortKind   = 0
	EventMemoryKind dataqueue.MemoryKind = 0
)

// ClientType selects the kind of user client opened on the service.
type ClientType uint32

const (
	ClientTypeProvider ClientType = iota
	ClientTypeOfflineIO
)

func (c ClientType) String() string {
	switch c {
	case ClientTypeProvider:
		return "provider"
	case ClientTypeOfflineIO:
		return "offline-io"
	default:
		return fmt.Sprintf("ClientType(%d)", uint32(c))
	}
}

var (
	ErrServiceNotFound        = errors.New("service not found")
	ErrVersionPropertyInvalid = errors.New("service does not advertise a valid interface version")
	ErrVersionMismatch        = errors.New("interface version mismatch")
	ErrConnectionFailed       = errors.New("failed to open connection to service")
)

// VersionMismatchError reports both sides of a failed version check.
type VersionMismatchError struct {
	Advertised string
	Expected   string
}

func (e *VersionMismatchError) Error() string {
	return fmt.Sprintf("%s: service %q, library expects %q", ErrVersionMismatch, e.Advertised, e.Expected)
}

func (e *VersionMismatchError) Is(target error) bool {
	return target == ErrVersionMismatch
}

// Object is a handle owned by the caller until released.
type Object interface {
	Release()
}

// Property is a registry property value.
type Property interface {
	Object
	Value() any
}

// Service is a matched registry entry.
type Service interface {
	Object
	// Property returns nil if the service has no such property.
	Property(key string) Property
	Open(clientType ClientType) (Connection, error)
}

// Registry looks up services by class name.
type Registry interface {
	// MatchService returns nil when no instance of class exists.
	MatchService(class string) Service
}

// Connection is an open client connection.
type Connection interface {
	dataqueue.Connection
	ClientType() ClientType
	Close() error
}

// Connector opens connections against a registry.
type Connector struct {
	Registry Registry
	// ExpectedVersion overrides InterfaceVersion when set.
	ExpectedVersion string
	Log             *logrus.Entry
}

// Connect opens a clientType connection using InterfaceVersion.
func Connect(registry Registry, clientType ClientType) (Connection, error) {
	c := &Connector{Registry: registry}
	return c.Connect(clientType)
}

func (c *Connector) Connect(clientType ClientType) (Connection, error) {
	log := c.Log
	if log == nil {
		log = logrus.WithField("component", "service")
	}
	log = log.WithField("clientType", clientType.String())

	expected := c.ExpectedVersion
	if expected == "" {
		expected = InterfaceVersion
	}

	svc := c.Registry.MatchService(ServiceClass)
	if svc == nil {
		log.WithField("class", ServiceClass).Warn("failed to find service")
		return nil, fmt.Errorf("%w: %s", ErrServiceNotFound, ServiceClass)
	}
	cu := cleanup.Make(svc.Release)
	defer cu.Clean()

	prop := svc.Property(VersionPropertyKey)
	if prop == nil {
		log.Warn("service has no version property")
		return nil, ErrVersionPropertyInvalid
	}
	cu.Add(prop.Release)
	advertised, ok := prop.Value().(string)
	if !ok {
		log.WithField("type", fmt.Sprintf("%T", prop.Value())).Warn("service version property is not a string")
		return nil, ErrVersionPropertyInvalid
	}

	if advertised != expected {
		log.WithFields(logrus.Fields{
			"service": advertised,
			"library": expected,
		}).Warn("service interface version mismatch")
		return nil, &VersionMismatchError{Advertised: advertised, Expected: expected}
	}

	conn, err := svc.Open(clientType)
	if err != nil {
		log.WithError(err).Warn("failed to open connection")
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}
	if conn == nil {
		return nil, ErrConnectionFailed
	}
	log.Debug("connected to service")
	return conn, nil
}
