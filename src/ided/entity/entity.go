// Package entity contains the domain model for the ided daemon.
package entity

import (
	"sync"

	"github.com/gofrs/uuid"
	"go.lsp.dev/protocol"
)

type keyType string

// SessionContextKey indicates the key to be used to identify the IDE session UUID in the context.
const SessionContextKey keyType = "SessionUUID"

// ServerKind distinguishes single-tenant Core servers from multi-tenant Enterprise servers.
type ServerKind string

const (
	// ServerKindCore is a single-tenant server with at most one live connection.
	ServerKindCore ServerKind = "core"
	// ServerKindEnterprise is a multi-tenant server that provisions per-session workers.
	ServerKindEnterprise ServerKind = "enterprise"
)

// ConsoleKind is the scripting language a console session accepts.
type ConsoleKind string

const (
	// ConsoleKindPython accepts Python source.
	ConsoleKindPython ConsoleKind = "python"
	// ConsoleKindGroovy accepts Groovy source.
	ConsoleKindGroovy ConsoleKind = "groovy"
)

// ConsoleKindFromLanguage maps an IDE language identifier to the console kind that runs it.
func ConsoleKindFromLanguage(lang protocol.LanguageIdentifier) (ConsoleKind, bool) {
	switch string(lang) {
	case "python":
		return ConsoleKindPython, true
	case "groovy":
		return ConsoleKindGroovy, true
	}
	return "", false
}

// ServerDescriptor describes a known server, configured or managed.
type ServerDescriptor struct {
	URL             string
	Kind            ServerKind
	IsRunning       bool
	IsManaged       bool
	ConnectionCount int
	// PSK is an optional pre-shared key used to authenticate against the server.
	PSK string
}

// WorkerInfo describes an ephemeral worker provisioned by an Enterprise server.
// Instances are immutable and replaced rather than mutated.
type WorkerInfo struct {
	PID            int
	GRPCURL        string
	RoutingPrefix  string
	IDECallbackURL string
	Serial         int64
}

// Connection is a live authenticated link between the daemon and a server.
// Implementations are the tagged variants CoreConnection and EnterpriseConnection.
type Connection interface {
	// Tag returns the unique id assigned at creation.
	Tag() uuid.UUID
	// ServerURL returns the URL of the owning server.
	ServerURL() string
	// Kind reports which variant this connection is.
	Kind() ServerKind

	IsConnected() bool
	SetConnected(connected bool)

	// TryBeginRun marks the connection as running code. It returns false if a
	// run is already outstanding; callers must not issue a second run.
	TryBeginRun() bool
	// EndRun clears the running-code mark.
	EndRun()
	IsRunningCode() bool
}

type connectionBase struct {
	tag       uuid.UUID
	serverURL string

	mu          sync.Mutex
	connected   bool
	runningCode bool
}

func (c *connectionBase) Tag() uuid.UUID    { return c.tag }
func (c *connectionBase) ServerURL() string { return c.serverURL }

func (c *connectionBase) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *connectionBase) SetConnected(connected bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = connected
}

func (c *connectionBase) TryBeginRun() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.runningCode || !c.connected {
		return false
	}
	c.runningCode = true
	return true
}

func (c *connectionBase) EndRun() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.runningCode = false
}

func (c *connectionBase) IsRunningCode() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runningCode
}

// CoreConnection is the singleton connection to a Core server.
type CoreConnection struct {
	connectionBase
}

// NewCoreConnection returns a connected CoreConnection for the given server.
func NewCoreConnection(tag uuid.UUID, serverURL string) *CoreConnection {
	c := &CoreConnection{connectionBase{tag: tag, serverURL: serverURL}}
	c.connected = true
	return c
}

// Kind implements Connection.
func (c *CoreConnection) Kind() ServerKind { return ServerKindCore }

// EnterpriseConnection is a worker-backed connection to an Enterprise server.
type EnterpriseConnection struct {
	connectionBase

	// Worker is the worker leased for this connection.
	Worker WorkerInfo
	// QuerySerial is the serial number assigned by the server for this session.
	QuerySerial int64
}

// NewEnterpriseConnection returns a connected EnterpriseConnection backed by the given worker.
func NewEnterpriseConnection(tag uuid.UUID, serverURL string, worker WorkerInfo) *EnterpriseConnection {
	c := &EnterpriseConnection{
		connectionBase: connectionBase{tag: tag, serverURL: serverURL},
		Worker:         worker,
		QuerySerial:    worker.Serial,
	}
	c.connected = true
	return c
}

// Kind implements Connection.
func (c *EnterpriseConnection) Kind() ServerKind { return ServerKindEnterprise }
