package world

import (
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewEntityID returns a lexically sortable id for a locally created entity.
func NewEntityID() string { return ulid.Make().String() }

// NewNetworkID returns a participant id.
func NewNetworkID() string { return uuid.NewString() }
