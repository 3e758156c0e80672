package main

import "github.com/google/uuid"

// newCommandID, newProfileID and newTaskID generate request-scoped
// identifiers, using the same uuid dependency the streaming package
// uses for bus event and subscription ids.
func newCommandID() string   { return "cmd-" + uuid.NewString() }
func newProfileID() string   { return "profile-" + uuid.NewString() }
func newTaskID() string      { return "task-" + uuid.NewString() }
func newIncidentID() string  { return "incident-" + uuid.NewString() }
