// Package prompts contains the instruction templates sent to models.
//
// Prompt text is Go code rather than config files because it is program
// logic: the directive grammar described here must match what the
// directive package parses, and tests check that it does.
//
// Convention: each call site gets its own file (task.go, project.go,
// plan.go) with an exported function that accepts the dynamic parts and
// returns the fully interpolated prompt string.
package prompts
