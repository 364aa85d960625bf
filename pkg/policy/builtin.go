package policy

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		backendExclusivityPolicy(),
		absentParentPolicy(),
		resourceNamePolicy(),
	}
}

// backendExclusivityPolicy requires exactly one TFTP backend to be active.
// A backend is active when any intent it owns is present or running.
func backendExclusivityPolicy() Policy {
	return Policy{
		Name:        "tftp-backend-exclusivity",
		Description: "Exactly one TFTP backend may be active on a host",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"tftp", "backend"},
		Rego: `package ironic.policies.backend

import rego.v1

backends := {"xinetd", "embedded"}

owned contains b if {
	some intent in input.intents
	some b in backends
	concat(":", ["tftp-backend", b]) in intent.tags
}

active contains b if {
	some intent in input.intents
	some b in backends
	concat(":", ["tftp-backend", b]) in intent.tags
	intent.ensure in {"present", "running"}
}

deny contains violation if {
	count(active) > 1
	violation := {
		"message": sprintf("TFTP backends %v are both active; exactly one may serve port 69", [sort(active)]),
		"severity": "error",
	}
}

deny contains violation if {
	count(owned) > 0
	count(active) == 0
	violation := {
		"message": "every TFTP backend is torn down; nothing will serve port 69",
		"severity": "error",
	}
}
`,
	}
}

// absentParentPolicy forbids managing a path inside a directory that the
// same set removes.
func absentParentPolicy() Policy {
	return Policy{
		Name:        "absent-parent-directory",
		Description: "Files and directories may not be present under a directory that is absent",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"files"},
		Rego: `package ironic.policies.paths

import rego.v1

deny contains violation if {
	some dir in input.intents
	dir.kind == "directory"
	dir.ensure == "absent"
	prefix := concat("", [trim_right(dir.title, "/"), "/"])

	some child in input.intents
	child.kind in {"file", "directory"}
	child.ensure == "present"
	startswith(child.title, prefix)

	violation := {
		"message": sprintf("%s is present under absent directory %s", [child.title, dir.title]),
		"severity": "error",
		"intent": child.id,
	}
}
`,
	}
}

// resourceNamePolicy flags two intents of one kind that manage the same
// system entity under different titles.
func resourceNamePolicy() Policy {
	return Policy{
		Name:        "unique-resource-names",
		Description: "Intents of one kind must not manage the same entity under different titles",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"naming"},
		Rego: `package ironic.policies.naming

import rego.v1

entity(intent) := object.get(intent, "name", intent.title)

deny contains violation if {
	some a in input.intents
	some b in input.intents
	a.id < b.id
	a.kind == b.kind
	entity(a) == entity(b)
	a.ensure != b.ensure

	violation := {
		"message": sprintf("%s and %s manage %s %q with conflicting states %s and %s", [a.id, b.id, a.kind, entity(a), a.ensure, b.ensure]),
		"severity": "error",
		"intent": b.id,
	}
}

deny contains violation if {
	some a in input.intents
	some b in input.intents
	a.id < b.id
	a.kind == b.kind
	entity(a) == entity(b)
	a.ensure == b.ensure

	violation := {
		"message": sprintf("%s and %s both manage %s %q", [a.id, b.id, a.kind, entity(a)]),
		"intent": b.id,
	}
}
`,
	}
}
