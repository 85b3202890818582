package streak

import (
	"github.com/go-playground/validator/v10"

	"github.com/aprendia/backend/core"
)

// The shared `weekkey` tag is registered by core.InitValidators.

// Validate cleans the client-supplied ids before running the struct tags, so
// " l1 " and "l1" name the same lesson.
func (nc *NewCompletion) Validate(validate *validator.Validate) error {
	nc.LessonID = core.CleanString(nc.LessonID)
	nc.CourseID = core.CleanString(nc.CourseID)
	return validate.Struct(nc)
}

func (nr *NewRecovery) Validate(validate *validator.Validate) error {
	nr.WeekKey = core.CleanString(nr.WeekKey)
	return validate.Struct(nr)
}
