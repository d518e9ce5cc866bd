package storage

import "errors"

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrMissingOrg is returned when a tenant-scoped operation is called with a
// nil org id. The store refuses such requests outright.
var ErrMissingOrg = errors.New("storage: org_id is required")
