package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// IntentKind is the variant tag of an Intent.
type IntentKind string

const (
	// KindDirectory manages a directory on the filesystem.
	KindDirectory IntentKind = "directory"

	// KindFile manages a regular file, its content or source, and its metadata.
	KindFile IntentKind = "file"

	// KindPackage manages an OS package through the host package manager.
	KindPackage IntentKind = "package"

	// KindService manages a system service, either a systemd unit or an
	// xinetd-supervised service (attribute "supervisor" = "xinetd").
	KindService IntentKind = "service"

	// KindAnchor is an ordering checkpoint with no effect on the system.
	KindAnchor IntentKind = "anchor"

	// KindIniSetting manages a single key in an INI-style configuration file.
	KindIniSetting IntentKind = "ini_setting"

	// KindPostgresDatabase manages a PostgreSQL role, database and grant.
	KindPostgresDatabase IntentKind = "postgresql_database"
)

// TypeName returns the resource type used when building intent IDs.
// Directories and files share the File namespace since both are keyed by path.
func (k IntentKind) TypeName() string {
	switch k {
	case KindDirectory, KindFile:
		return "File"
	case KindPackage:
		return "Package"
	case KindService:
		return "Service"
	case KindAnchor:
		return "Anchor"
	case KindIniSetting:
		return "Ini_setting"
	case KindPostgresDatabase:
		return "Postgresql_database"
	default:
		return string(k)
	}
}

// Validate checks if the intent kind is known.
func (k IntentKind) Validate() error {
	switch k {
	case KindDirectory, KindFile, KindPackage, KindService,
		KindAnchor, KindIniSetting, KindPostgresDatabase:
		return nil
	default:
		return fmt.Errorf("invalid intent kind: %s", k)
	}
}

// DesiredState is the state an intent should converge to.
type DesiredState string

const (
	// StatePresent ensures the entity exists.
	StatePresent DesiredState = "present"

	// StateAbsent ensures the entity does not exist.
	StateAbsent DesiredState = "absent"

	// StateRunning ensures a service is started.
	StateRunning DesiredState = "running"

	// StateStopped ensures a service is stopped.
	StateStopped DesiredState = "stopped"
)

// IsRemoval returns true for states that tear an entity down.
func (s DesiredState) IsRemoval() bool {
	return s == StateAbsent || s == StateStopped
}

// Validate checks if the desired state is valid.
func (s DesiredState) Validate() error {
	switch s {
	case StatePresent, StateAbsent, StateRunning, StateStopped:
		return nil
	default:
		return fmt.Errorf("invalid desired state: %s", s)
	}
}

// Well-known attribute keys.
const (
	AttrOwner      = "owner"
	AttrGroup      = "group"
	AttrMode       = "mode"
	AttrSELinux    = "seltype"
	AttrContent    = "content"
	AttrSource     = "source"
	AttrBackup     = "backup"
	AttrPort       = "port"
	AttrProtocol   = "protocol"
	AttrBind       = "bind"
	AttrEnable     = "enable"
	AttrHasStatus  = "hasstatus"
	AttrSupervisor = "supervisor"
	AttrVersion    = "version"
	AttrPassword   = "password"

	// Supervised (xinetd) service entries.
	AttrServer     = "server"
	AttrServerArgs = "server_args"
	AttrSocketType = "socket_type"
	AttrCPS        = "cps"
	AttrPerSource  = "per_source"
	AttrWait       = "wait"
	AttrUser       = "user"

	// Settings and databases.
	AttrPath     = "path"
	AttrSection  = "section"
	AttrSetting  = "setting"
	AttrValue    = "value"
	AttrEncoding = "encoding"
	AttrRole     = "role"
	AttrPrivs    = "privileges"

	// AttrSecret marks an intent whose values must not appear in changes.
	AttrSecret = "secret"
)

// sensitiveAttributes are never rendered or hashed in clear text.
var sensitiveAttributes = map[string]bool{
	AttrPassword: true,
}

// Attributes holds the provider-specific settings of an intent.
type Attributes map[string]string

// Get returns the attribute value and whether it was set.
func (a Attributes) Get(key string) (string, bool) {
	v, ok := a[key]
	return v, ok
}

// Bool parses a boolean attribute. Unset or malformed values are false.
func (a Attributes) Bool(key string) bool {
	v, ok := a[key]
	if !ok {
		return false
	}
	b, err := strconv.ParseBool(v)
	return err == nil && b
}

// Clone returns a copy of the attributes.
func (a Attributes) Clone() Attributes {
	out := make(Attributes, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}

// Redacted returns a copy with sensitive values masked.
func (a Attributes) Redacted() Attributes {
	out := a.Clone()
	for k := range out {
		if sensitiveAttributes[k] {
			out[k] = "<redacted>"
		}
	}
	return out
}

// DependencyType represents the type of an ordering edge between intents.
type DependencyType string

const (
	// DependencyRequire orders this intent after the target; the target must succeed.
	DependencyRequire DependencyType = "require"

	// DependencyBefore orders this intent before the target.
	DependencyBefore DependencyType = "before"

	// DependencySubscribe orders this intent after the target and refreshes it
	// when the target changes.
	DependencySubscribe DependencyType = "subscribe"

	// DependencyNotify orders this intent before the target and refreshes the
	// target when this intent changes.
	DependencyNotify DependencyType = "notify"
)

// Edge is an ordering dependency declared on an intent.
type Edge struct {
	// Target is the ID of the other intent, e.g. "Anchor[ironic::install::end]".
	Target string `json:"target"`

	// Type is the relationship to the target.
	Type DependencyType `json:"type"`
}

// Intent is a declarative description of one managed entity.
type Intent struct {
	// Kind is the variant tag.
	Kind IntentKind `json:"kind"`

	// Title is the identifier unique within the kind's namespace (a path or a name).
	Title string `json:"title"`

	// Name is the platform-specific name, when it differs from Title.
	Name string `json:"name,omitempty"`

	// State is the desired state.
	State DesiredState `json:"ensure"`

	// Attributes are kind-specific settings.
	Attributes Attributes `json:"attributes,omitempty"`

	// Tags are free-form labels used for filtering and policy.
	Tags []string `json:"tags,omitempty"`

	// Edges are the ordering dependencies of this intent.
	Edges []Edge `json:"edges,omitempty"`
}

// Ref builds the ID of an intent from its kind and title.
func Ref(kind IntentKind, title string) string {
	return fmt.Sprintf("%s[%s]", kind.TypeName(), title)
}

// NewIntent creates an intent with an empty attribute map.
func NewIntent(kind IntentKind, title string, state DesiredState) *Intent {
	return &Intent{
		Kind:       kind,
		Title:      title,
		State:      state,
		Attributes: make(Attributes),
	}
}

// ID returns the unique identifier of the intent.
func (i *Intent) ID() string {
	return Ref(i.Kind, i.Title)
}

// ResourceName returns Name if set, Title otherwise.
func (i *Intent) ResourceName() string {
	if i.Name != "" {
		return i.Name
	}
	return i.Title
}

// Set sets an attribute and returns the intent for chaining.
func (i *Intent) Set(key, value string) *Intent {
	if i.Attributes == nil {
		i.Attributes = make(Attributes)
	}
	i.Attributes[key] = value
	return i
}

// Named sets the platform-specific name.
func (i *Intent) Named(name string) *Intent {
	i.Name = name
	return i
}

// Tag appends tags.
func (i *Intent) Tag(tags ...string) *Intent {
	i.Tags = append(i.Tags, tags...)
	return i
}

// HasTag reports whether the intent carries the tag.
func (i *Intent) HasTag(tag string) bool {
	for _, t := range i.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Require orders the intent after the given intent IDs.
func (i *Intent) Require(ids ...string) *Intent {
	return i.addEdges(DependencyRequire, ids)
}

// Before orders the intent before the given intent IDs.
func (i *Intent) Before(ids ...string) *Intent {
	return i.addEdges(DependencyBefore, ids)
}

// Subscribe orders the intent after the given IDs and refreshes it when they change.
func (i *Intent) Subscribe(ids ...string) *Intent {
	return i.addEdges(DependencySubscribe, ids)
}

// Notify orders the intent before the given IDs and refreshes them when it changes.
func (i *Intent) Notify(ids ...string) *Intent {
	return i.addEdges(DependencyNotify, ids)
}

func (i *Intent) addEdges(t DependencyType, ids []string) *Intent {
	for _, id := range ids {
		i.Edges = append(i.Edges, Edge{Target: id, Type: t})
	}
	return i
}

// Validate checks the intent for structural errors.
func (i *Intent) Validate() error {
	if err := i.Kind.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(i.Title) == "" {
		return fmt.Errorf("%s intent has empty title", i.Kind)
	}
	if err := i.State.Validate(); err != nil {
		return fmt.Errorf("%s: %w", i.ID(), err)
	}
	if (i.State == StateRunning || i.State == StateStopped) && i.Kind != KindService {
		return fmt.Errorf("%s: state %s is only valid for services", i.ID(), i.State)
	}
	return nil
}

// Hash returns a stable digest of the desired state, used to detect drift
// between runs. Sensitive attributes contribute only their key.
func (i *Intent) Hash() string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s\x00%s\x00", i.Kind, i.Title, i.ResourceName(), i.State)

	keys := make([]string, 0, len(i.Attributes))
	for k := range i.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := i.Attributes[k]
		if sensitiveAttributes[k] {
			v = ""
		}
		fmt.Fprintf(h, "%s=%s\x00", k, v)
	}

	return hex.EncodeToString(h.Sum(nil))
}

// MarshalJSON renders the intent with its ID and sensitive attributes redacted.
func (i *Intent) MarshalJSON() ([]byte, error) {
	type view struct {
		ID         string       `json:"id"`
		Kind       IntentKind   `json:"kind"`
		Title      string       `json:"title"`
		Name       string       `json:"name,omitempty"`
		State      DesiredState `json:"ensure"`
		Attributes Attributes   `json:"attributes,omitempty"`
		Tags       []string     `json:"tags,omitempty"`
		Edges      []Edge       `json:"edges,omitempty"`
	}
	return json.Marshal(view{
		ID:         i.ID(),
		Kind:       i.Kind,
		Title:      i.Title,
		Name:       i.Name,
		State:      i.State,
		Attributes: i.Attributes.Redacted(),
		Tags:       i.Tags,
		Edges:      i.Edges,
	})
}

// Change represents a single difference between desired and actual state.
type Change struct {
	// Path names the property being changed (e.g. "ensure", "mode", "content").
	Path string `json:"path"`

	// Before is the observed value.
	Before interface{} `json:"before,omitempty"`

	// After is the desired value.
	After interface{} `json:"after,omitempty"`

	// Action describes the change action.
	Action ChangeAction `json:"action"`
}

// ChangeAction represents the type of change being made.
type ChangeAction string

const (
	// ChangeActionAdd indicates the entity or property is being created.
	ChangeActionAdd ChangeAction = "add"

	// ChangeActionRemove indicates the entity or property is being removed.
	ChangeActionRemove ChangeAction = "remove"

	// ChangeActionModify indicates the property is being modified.
	ChangeActionModify ChangeAction = "modify"

	// ChangeActionRefresh indicates a service restart triggered by a subscription.
	ChangeActionRefresh ChangeAction = "refresh"
)

// String renders the change for human output.
func (c Change) String() string {
	switch c.Action {
	case ChangeActionAdd:
		return fmt.Sprintf("+ %s: %v", c.Path, c.After)
	case ChangeActionRemove:
		return fmt.Sprintf("- %s: %v", c.Path, c.Before)
	case ChangeActionRefresh:
		return fmt.Sprintf("~ %s", c.Path)
	default:
		return fmt.Sprintf("~ %s: %v -> %v", c.Path, c.Before, c.After)
	}
}
