// Package model defines the bridge's entity types. The State Mirror is the
// sole owner of values of these types; every other component holds only
// opaque ids.
package model

import "time"

// ParamType enumerates the legal types of a Parameter value.
type ParamType string

const (
	ParamInt    ParamType = "int"
	ParamFloat  ParamType = "float"
	ParamBool   ParamType = "bool"
	ParamString ParamType = "string"
	ParamEnum   ParamType = "enum"
)

// Parameter is a named, typed slot on an Object.
type Parameter struct {
	Name          string      `json:"name"`
	Value         interface{} `json:"value"`
	Type          ParamType   `json:"type"`
	ReadOnly      bool        `json:"readOnly"`
	Min           *float64    `json:"min,omitempty"`
	Max           *float64    `json:"max,omitempty"`
	EnumValues    []string    `json:"enumValues,omitempty"`
	LastUpdatedAt time.Time   `json:"lastUpdatedAt"`
}

// Position is an object's location on the patch canvas.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Size is an object's optional canvas footprint.
type Size struct {
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// Object is a node inside a Patch.
type Object struct {
	ID       string                `json:"id"`
	PatchID  string                `json:"patchId"`
	Type     string                `json:"type"`
	Position Position              `json:"position"`
	Size     *Size                 `json:"size,omitempty"`
	Inlets   int                   `json:"inlets"`
	Outlets  int                   `json:"outlets"`
	Params   map[string]*Parameter `json:"params"`
}

// Connection is a directed edge between two Objects within one Patch.
type Connection struct {
	ID             string `json:"id"`
	PatchID        string `json:"patchId"`
	SourceObjectID string `json:"sourceObjectId"`
	SourceOutlet   int    `json:"sourceOutlet"`
	DestObjectID   string `json:"destObjectId"`
	DestInlet      int    `json:"destInlet"`
}

// Patch is a container of Objects and Connections.
type Patch struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Filepath    string          `json:"filepath,omitempty"`
	Modified    bool            `json:"modified"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
	Objects     map[string]bool `json:"objects"`
	Connections map[string]bool `json:"connections"`
}

// Snapshot is a consistent image of all entities at a given SyncID.
type Snapshot struct {
	SyncID      uint64                 `json:"syncId"`
	TakenAt     time.Time              `json:"takenAt"`
	Patches     map[string]*Patch      `json:"patches"`
	Objects     map[string]*Object     `json:"objects"`
	Connections map[string]*Connection `json:"connections"`
}

// Session owns zero or more Patches plus an ordered list of Snapshots.
type Session struct {
	ID        string      `json:"id"`
	Name      string      `json:"name"`
	StartTime time.Time   `json:"startTime"`
	EndTime   *time.Time  `json:"endTime,omitempty"`
	Duration  *int64      `json:"durationMs,omitempty"`
	PatchIDs  []string    `json:"patchIds"`
	Snapshots []*Snapshot `json:"snapshots"`
	Settings  map[string]interface{} `json:"settings,omitempty"`
}

// RequestState is the typed state machine for an in-flight Request.
type RequestState string

const (
	RequestPending   RequestState = "pending"
	RequestRunning   RequestState = "running"
	RequestSucceeded RequestState = "succeeded"
	RequestFailed    RequestState = "failed"
	RequestCancelled RequestState = "cancelled"
	RequestTimedOut  RequestState = "timedOut"
)

// Terminal reports whether s is one of the four terminal states.
func (s RequestState) Terminal() bool {
	switch s {
	case RequestSucceeded, RequestFailed, RequestCancelled, RequestTimedOut:
		return true
	default:
		return false
	}
}

// Request is an in-flight protocol operation tracked by the lifecycle manager.
type Request struct {
	ID        string                 `json:"id"`
	Method    string                 `json:"method"`
	Args      map[string]interface{} `json:"args"`
	State     RequestState           `json:"state"`
	StartedAt time.Time              `json:"startedAt"`
	EndedAt   *time.Time             `json:"endedAt,omitempty"`
	TimeoutMs int                    `json:"timeoutMs"`
	Attempts  int                    `json:"attempts"`
}

// EventCategory classifies the subject of a StateEvent.
type EventCategory string

const (
	CategorySession       EventCategory = "session"
	CategoryPatch         EventCategory = "patch"
	CategoryObject        EventCategory = "object"
	CategoryParameter     EventCategory = "parameter"
	CategoryConnection    EventCategory = "connection"
	CategoryGlobalSetting EventCategory = "globalSetting"
)

// EventKind classifies what happened to the subject.
type EventKind string

const (
	KindCreated       EventKind = "created"
	KindUpdated       EventKind = "updated"
	KindDeleted       EventKind = "deleted"
	KindConnected     EventKind = "connected"
	KindDisconnected  EventKind = "disconnected"
	KindMoved         EventKind = "moved"
	KindResized       EventKind = "resized"
	KindParamChanged  EventKind = "paramChanged"
	KindStateChanged  EventKind = "stateChanged"
)

// StateEvent records one committed mutation against the mirror.
type StateEvent struct {
	Category  EventCategory          `json:"category"`
	Kind      EventKind              `json:"kind"`
	SubjectID string                 `json:"subjectId"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	SyncID    uint64                 `json:"syncId"`
}

// DiffOp enumerates JSON-Pointer-style patch operations.
type DiffOp string

const (
	OpAdd     DiffOp = "add"
	OpReplace DiffOp = "replace"
	OpRemove  DiffOp = "remove"
	OpMove    DiffOp = "move"
)

// StateDiff is one JSON-Pointer-style patch record.
type StateDiff struct {
	Op    DiffOp      `json:"op"`
	Path  string      `json:"path"`
	Value interface{} `json:"value,omitempty"`
	From  string      `json:"from,omitempty"`
}
