package knoxpro

import "github.com/yaser2us/knoxpro-sub000/id"

// ID is the primary identifier type for all knoxpro entities.
type ID = id.ID

// Prefix identifies the entity type encoded in a TypeID.
type Prefix = id.Prefix
