// Package types holds the data model shared by every layer of the
// runtime: the graph objects steps produce, the step declarations
// themselves, and the results the scheduler hands back to the caller.
package types

import (
	"encoding/json"
	"fmt"
)

// GraphObject is the minimal contract every entity and relationship
// must satisfy. The wire schema of any given _class is deliberately
// left to the embedder, so the store only ever looks at these three
// fields.
type GraphObject struct {
	Key        string
	Type       string
	Class      []string
	Properties map[string]any
}

// Entity is a graph object carrying no structural relationship
// fields of its own.
type Entity struct {
	GraphObject
}

// RelationshipDirection is the orientation of a mapped relationship.
type RelationshipDirection string

const (
	RelationshipDirectionForward RelationshipDirection = "FORWARD"
	RelationshipDirectionReverse RelationshipDirection = "REVERSE"
)

// RelationshipMapping is present on mapped relationships: a
// specification for the remote service to synthesize 0..N edges
// against entities matched by TargetFilterKeys.
type RelationshipMapping struct {
	RelationshipDirection RelationshipDirection `json:"relationshipDirection"`
	SourceEntityKey       string                `json:"sourceEntityKey"`
	TargetEntity          map[string]any        `json:"targetEntity"`
	TargetFilterKeys      [][]string            `json:"targetFilterKeys"`
	SkipTargetCreation    bool                  `json:"skipTargetCreation,omitempty"`
}

// Relationship is either direct (FromEntityKey/ToEntityKey set) or
// mapped (Mapping set). The core treats a mapped relationship as an
// opaque object once constructed, it never resolves the mapping
// itself.
type Relationship struct {
	GraphObject
	FromEntityKey string
	ToEntityKey   string
	Mapping       *RelationshipMapping
}

// IsMapped reports whether r is a mapped relationship rather than a
// direct edge between two entities owned by this run.
func (r *Relationship) IsMapped() bool {
	return r.Mapping != nil
}

// classJSON renders Class as a bare string when it holds exactly one
// element, or as a JSON array otherwise, round-tripping whichever
// shape the step handler originally supplied.
func classJSON(class []string) any {
	if len(class) == 1 {
		return class[0]
	}
	return class
}

// parseClass accepts either a bare string or an array of strings for
// _class.
func parseClass(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		return []string{single}, nil
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err != nil {
		return nil, fmt.Errorf("_class must be a string or array of strings: %w", err)
	}
	return many, nil
}

// MarshalJSON flattens Properties to the top level alongside the
// required _key/_type/_class fields.
func (e Entity) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(e.Properties)+3)
	for k, v := range e.Properties {
		out[k] = v
	}
	out["_key"] = e.Key
	out["_type"] = e.Type
	out["_class"] = classJSON(e.Class)
	return json.Marshal(out)
}

// UnmarshalJSON reverses MarshalJSON: _key/_type/_class are lifted
// into typed fields, everything else becomes Properties.
func (e *Entity) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if v, ok := raw["_key"]; ok {
		json.Unmarshal(v, &e.Key)
		delete(raw, "_key")
	}
	if v, ok := raw["_type"]; ok {
		json.Unmarshal(v, &e.Type)
		delete(raw, "_type")
	}
	if v, ok := raw["_class"]; ok {
		class, err := parseClass(v)
		if err != nil {
			return err
		}
		e.Class = class
		delete(raw, "_class")
	}
	props := make(map[string]any, len(raw))
	for k, v := range raw {
		var val any
		if err := json.Unmarshal(v, &val); err != nil {
			return err
		}
		props[k] = val
	}
	e.Properties = props
	return nil
}

// MarshalJSON flattens Properties alongside the required fields and
// either the direct from/to keys or the mapping record, depending on
// which kind of relationship this is.
func (r Relationship) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(r.Properties)+5)
	for k, v := range r.Properties {
		out[k] = v
	}
	out["_key"] = r.Key
	out["_type"] = r.Type
	out["_class"] = classJSON(r.Class)
	if r.Mapping != nil {
		out["_mapping"] = r.Mapping
	} else {
		out["_fromEntityKey"] = r.FromEntityKey
		out["_toEntityKey"] = r.ToEntityKey
	}
	return json.Marshal(out)
}

// UnmarshalJSON reverses MarshalJSON.
func (r *Relationship) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if v, ok := raw["_key"]; ok {
		json.Unmarshal(v, &r.Key)
		delete(raw, "_key")
	}
	if v, ok := raw["_type"]; ok {
		json.Unmarshal(v, &r.Type)
		delete(raw, "_type")
	}
	if v, ok := raw["_class"]; ok {
		class, err := parseClass(v)
		if err != nil {
			return err
		}
		r.Class = class
		delete(raw, "_class")
	}
	if v, ok := raw["_fromEntityKey"]; ok {
		json.Unmarshal(v, &r.FromEntityKey)
		delete(raw, "_fromEntityKey")
	}
	if v, ok := raw["_toEntityKey"]; ok {
		json.Unmarshal(v, &r.ToEntityKey)
		delete(raw, "_toEntityKey")
	}
	if v, ok := raw["_mapping"]; ok {
		var mapping RelationshipMapping
		if err := json.Unmarshal(v, &mapping); err != nil {
			return err
		}
		r.Mapping = &mapping
		delete(raw, "_mapping")
	}
	props := make(map[string]any, len(raw))
	for k, v := range raw {
		var val any
		if err := json.Unmarshal(v, &val); err != nil {
			return err
		}
		props[k] = val
	}
	r.Properties = props
	return nil
}

// StepEntityType declares one entity _type a step may write.
type StepEntityType struct {
	Type    string
	Class   []string
	Partial bool
}

// StepRelationshipType declares one relationship _type a step may
// write.
type StepRelationshipType struct {
	Type       string
	SourceType string
	TargetType string
	Class      []string
	Partial    bool
}

// StepStatus is the terminal (or CANCELLED) state of a step.
type StepStatus string

const (
	StepStatusSuccess                             StepStatus = "SUCCESS"
	StepStatusFailure                             StepStatus = "FAILURE"
	StepStatusPartialSuccessDueToDependencyFailure StepStatus = "PARTIAL_SUCCESS_DUE_TO_DEPENDENCY_FAILURE"
	StepStatusDisabled                             StepStatus = "DISABLED"
	StepStatusCancelled                            StepStatus = "CANCELLED"
)

// StepContext is what an executionHandler receives. JobState gives it
// write access to the object store under its own step, Instance and
// ExecutionConfig carry caller-supplied configuration, and Logger is
// a child logger scoped to the step.
type StepContext struct {
	JobState        JobState
	Instance        InstanceInfo
	Logger          Logger
	ExecutionConfig map[string]any
}

// InstanceInfo is the subset of the embedder's integration instance
// the core needs to hand to a step handler.
type InstanceInfo struct {
	ID         string
	Name       string
	Config     map[string]any
	AccountID  string
}

// ExecutionHandler is a step's single asynchronous unit of work. It
// returns no value; a returned error maps the step to FAILURE.
type ExecutionHandler func(ctx *StepContext) error

// Step is one node of the dependency graph the scheduler executes.
type Step struct {
	ID                string
	Name              string
	Entities          []StepEntityType
	Relationships     []StepRelationshipType
	DependsOn         []string
	IngestionSourceID string
	ExecutionHandler  ExecutionHandler
}

// DeclaredTypes is the union of _type across Entities and
// Relationships.
func (s *Step) DeclaredTypes() []string {
	seen := make(map[string]struct{}, len(s.Entities)+len(s.Relationships))
	var out []string
	add := func(t string) {
		if _, ok := seen[t]; ok {
			return
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	for _, e := range s.Entities {
		add(e.Type)
	}
	for _, r := range s.Relationships {
		add(r.Type)
	}
	return out
}

// PartialTypes is the subset of DeclaredTypes whose declaration
// carries partial:true.
func (s *Step) PartialTypes() []string {
	var out []string
	for _, e := range s.Entities {
		if e.Partial {
			out = append(out, e.Type)
		}
	}
	for _, r := range s.Relationships {
		if r.Partial {
			out = append(out, r.Type)
		}
	}
	return out
}

// declaresType reports whether typeName appears in either the entity
// or relationship declarations, and if so whether that declaration is
// partial.
func (s *Step) declaresType(typeName string) (declared bool, partial bool) {
	for _, e := range s.Entities {
		if e.Type == typeName {
			return true, e.Partial
		}
	}
	for _, r := range s.Relationships {
		if r.Type == typeName {
			return true, r.Partial
		}
	}
	return false, false
}

// StepResult is the terminal record the scheduler produces for a
// step.
type StepResult struct {
	ID               string
	Name             string
	DeclaredTypes    []string
	PartialTypes     []string
	EncounteredTypes []string
	DependsOn        []string
	Status           StepStatus
}

// FlushedFile is the on-disk shape of one file under graph/<stepId>/.
// Exactly one of Entities/Relationships is populated, never both.
type FlushedFile struct {
	Entities      []Entity       `json:"entities,omitempty"`
	Relationships []Relationship `json:"relationships,omitempty"`
}

// PartialDatasetMetadata is the union of types written into
// summary.json.metadata.partialDatasets.
type PartialDatasetMetadata struct {
	Types []string `json:"types"`
}

// RunSummary is the full persisted shape of summary.json.
type RunSummary struct {
	IntegrationStepResults []StepResult `json:"integrationStepResults"`
	Metadata               struct {
		PartialDatasets PartialDatasetMetadata `json:"partialDatasets"`
	} `json:"metadata"`
}

// JobState is the per-step facade a StepContext exposes; see
// pkg/jobstate for the concrete implementation.
type JobState interface {
	AddEntity(e Entity) (Entity, error)
	AddEntities(es []Entity) ([]Entity, error)
	AddRelationship(r Relationship) (Relationship, error)
	AddRelationships(rs []Relationship) ([]Relationship, error)
	FindEntity(key string) (*Entity, error)
	IterateEntities(typeName string, fn func(Entity) error) error
	IterateRelationships(typeName string, fn func(Relationship) error) error
	EncounteredTypes() []string
}

// Logger is the logging and metrics contract consumed from the
// surrounding system.
type Logger interface {
	Info(msg string, fields map[string]any)
	Warn(msg string, fields map[string]any)
	Error(msg string, fields map[string]any)
	Debug(msg string, fields map[string]any)
	Child(fields map[string]any) Logger
	PublishMetric(m Metric)
	ValidationFailure(err error)
	SynchronizationUploadStart(job SyncJob)
	SynchronizationUploadEnd(job SyncJob)
	On(event string, fn func(payload any))
	Emit(event string, payload any)
}

// Metric is one sample published through Logger.PublishMetric.
type Metric struct {
	Name  string
	Unit  string
	Value float64
}

// SyncJob identifies the remote synchronization job an upload is
// running against.
type SyncJob struct {
	ID                    string
	IntegrationInstanceID string
}

// StartState is one entry of getStepStartStates' result.
type StartState struct {
	Disabled bool
}

// InvocationConfig is the embedder-supplied configuration for one
// integration run: its steps, its lifecycle hooks, and the knobs that
// steer the scheduler.
type InvocationConfig struct {
	InstanceConfigFields    map[string]any
	LoadExecutionConfig     func(ctx *InvocationContext) (map[string]any, error)
	ValidateInvocation      func(ctx *InvocationContext) error
	GetStepStartStates      func(ctx *InvocationContext) (map[string]StartState, error)
	IntegrationSteps        []Step
	BeforeAddEntity         func(e Entity) (Entity, error)
	BeforeAddRelationship   func(r Relationship) (Relationship, error)
	IngestionConfig         map[string]bool
	AfterExecution          func(ctx *InvocationContext) error
	ExecutionHandlerWrapper func(ctx *StepContext, fn func() error) error
	EnableSchemaValidation  bool
}

// InvocationContext is passed to the hooks InvocationConfig declares.
type InvocationContext struct {
	Instance InstanceInfo
	Logger   Logger
}

// ErrDuplicateKey is returned by the Object Store when an add would
// reuse a _key already seen this run.
type ErrDuplicateKey struct {
	Key string
}

func (e *ErrDuplicateKey) Error() string {
	return fmt.Sprintf("duplicate key: %q already exists in this run", e.Key)
}

// ErrCyclicDependency is returned by the Dependency Graph.
type ErrCyclicDependency struct {
	Cycle []string
}

func (e *ErrCyclicDependency) Error() string {
	return fmt.Sprintf("cyclic dependency detected: %v", e.Cycle)
}

// ErrStartStatesMissing is returned by the scheduler's validation
// phase when getStepStartStates omits a declared step.
type ErrStartStatesMissing struct {
	StepID string
}

func (e *ErrStartStatesMissing) Error() string {
	return fmt.Sprintf("getStepStartStates did not return an entry for step %q", e.StepID)
}
