package models

import "github.com/google/uuid"

// assignID fills a zero primary key before insert so rows get the same ids on
// Postgres and SQLite.
func assignID(id *uuid.UUID) {
	if *id == uuid.Nil {
		*id = uuid.New()
	}
}
