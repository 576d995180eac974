// Package providers holds the plumbing shared by every concrete adapter:
// upstream HTTP error mapping into the structured taxonomy, error-body
// parsing, and transport failure classification. The adapters themselves
// live in sub-packages, one per wire dialect.
package providers
