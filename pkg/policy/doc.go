// Package policy gates resource sets with Open Policy Agent rego policies
// before they are applied.
//
// Every policy is a rego module whose deny rule collects violations. The
// engine evaluates the rule against the resource set rendered as JSON, the
// same document "ironic-pxe resolve" prints, with sensitive attributes
// redacted:
//
//	{
//	  "host": "conductor-1",
//	  "parameters": {"http_port": "8088"},
//	  "intents": [
//	    {"id": "Service[tftp]", "kind": "service", "title": "tftp",
//	     "ensure": "running", "tags": ["tftp-backend:xinetd"], ...}
//	  ]
//	}
//
// # Built-in Policies
//
//  1. tftp-backend-exclusivity - exactly one TFTP backend is active
//  2. absent-parent-directory - nothing is present under an absent directory
//  3. unique-resource-names - one entity is not managed under two titles
//
// # Custom Policies
//
// Custom policies are loaded from .rego files, or .json files holding a
// Policy. A deny entry is either a message or an object:
//
//	package site.policies.port
//
//	import rego.v1
//
//	# Conductors in the lab must serve HTTP on 8088.
//	# severity: error
//
//	deny contains violation if {
//	    input.parameters.http_port != "8088"
//	    violation := {
//	        "message": "http_port must be 8088",
//	        "severity": "error",
//	    }
//	}
//
// Violations of severity error or critical deny the set; Engine.Gate turns
// them into a POLICY_DENIED engine error. Other violations are warnings.
//
// # Hot Reload
//
// The loader can watch policy paths and hand every reload to the engine:
//
//	loader := policy.NewLoader(logger)
//	err = loader.Watch(ctx, paths, eng.ReplacePolicies)
package policy
