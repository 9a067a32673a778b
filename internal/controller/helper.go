package controller

import "github.com/google/uuid"

// generateTimeBasedId returns a v7 uuid, so ids sort by creation time in the logs.
func (c *controller) generateTimeBasedId() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}

	return id.String()
}
