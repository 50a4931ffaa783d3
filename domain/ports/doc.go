// Package ports defines the interfaces the host depends on. Collaborators
// such as sandbox engines, consent prompts, persistence, the spreadsheet API,
// and the UI shell implement these; the host never depends on a concrete
// adapter.
package ports
