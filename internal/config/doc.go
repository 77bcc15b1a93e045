// Package config provides the run-level configuration for harvest and the
// YAML flow file that describes each console to harvest.
//
// A flow is one platform + account + endpoint combination. Flows are listed
// under "flows:" in .harvest.yaml and inherit every unset setting from
// "defaults:".
package config
