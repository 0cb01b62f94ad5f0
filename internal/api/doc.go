// Package api exposes the REST interface for managing assessments, submitting
// scoring jobs and inspecting agent state.
package api
