// Package protocol defines the wire shapes spoken with the server: the
// streamed event envelope and the bearings bootstrap snapshot.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/seabed/spyglass/internal/store"
)

// Event vocabulary carried in Envelope.Event. Anything else is logged
// and ignored.
const (
	EventCreateObject     = "create-object"
	EventUpdateObject     = "update-object"
	EventDeleteObject     = "delete-object"
	EventHealthUpdate     = "health-update"
	EventTaskStatusUpdate = "task-status-update"
	EventTaskLogUpdate    = "task-log-update"
	EventLockCore         = "lock-core"
	EventUnlockCore       = "unlock-core"
)

// envelopeSchema is the structural contract for stream frames. Frames
// that fail it are dropped without tearing the session down.
const envelopeSchema = `{
	"type": "object",
	"required": ["event"],
	"properties": {
		"event": {"type": "string", "minLength": 1},
		"type":  {"type": "string"},
		"data":  {"type": "object"}
	}
}`

var compiledEnvelopeSchema = mustCompile(envelopeSchema)

func mustCompile(src string) *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(src)))
	if err != nil {
		panic(fmt.Sprintf("envelope schema: %v", err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("envelope.json", doc); err != nil {
		panic(fmt.Sprintf("envelope schema: %v", err))
	}
	schema, err := c.Compile("envelope.json")
	if err != nil {
		panic(fmt.Sprintf("envelope schema: %v", err))
	}
	return schema
}

// Envelope is one frame from the event stream.
type Envelope struct {
	Event string          `json:"event"`
	Type  string          `json:"type,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Parse validates and decodes one stream frame.
func Parse(frame []byte) (Envelope, error) {
	// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the
	// validator requires.
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(frame))
	if err != nil {
		return Envelope{}, fmt.Errorf("parse stream frame: %w", err)
	}
	if err := compiledEnvelopeSchema.Validate(doc); err != nil {
		return Envelope{}, fmt.Errorf("validate stream frame: %w", err)
	}

	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode stream frame: %w", err)
	}
	return env, nil
}

// Entity decodes the envelope's data object into a store entity.
func (e Envelope) Entity() (store.Entity, error) {
	var entity store.Entity
	if len(e.Data) == 0 {
		return store.Entity{}, nil
	}
	if err := json.Unmarshal(e.Data, &entity); err != nil {
		return nil, fmt.Errorf("decode %s data: %w", e.Event, err)
	}
	return entity, nil
}

// User is the authenticated user record inside the bearings snapshot.
type User struct {
	UUID          string `json:"uuid"`
	Name          string `json:"name"`
	Account       string `json:"account"`
	SysRole       string `json:"sysrole"`
	DefaultTenant string `json:"default_tenant"`
}

// TenantBearings is one tenant's slice of the bootstrap snapshot,
// including the user's role under that tenant.
type TenantBearings struct {
	Tenant   store.Entity   `json:"tenant"`
	Role     string         `json:"role"`
	Archives []store.Entity `json:"archives"`
	Jobs     []store.Entity `json:"jobs"`
	Targets  []store.Entity `json:"targets"`
	Stores   []store.Entity `json:"stores"`
	Agents   []store.Entity `json:"agents"`
}

// Bearings is the bootstrap snapshot fetched once per session epoch,
// immediately after the event stream opens.
type Bearings struct {
	Shield  json.RawMessage           `json:"shield"`
	Vault   string                    `json:"vault"`
	User    User                      `json:"user"`
	Stores  []store.Entity            `json:"stores"`
	Tenants map[string]TenantBearings `json:"tenants"`
}
