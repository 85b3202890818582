package echoapi

import (
	"net/http"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/aprendia/backend/core"
	"github.com/aprendia/backend/core/streak"
)

type streakApi struct {
	svc        streak.ServiceInterface
	validate   *validator.Validate
	translator ut.Translator
}

func registerStreakAPI(
	g *echo.Group,
	jwt echo.MiddlewareFunc,
	svc streak.ServiceInterface,
	validate *validator.Validate,
	translator ut.Translator,
) {
	api := streakApi{
		svc:        svc,
		validate:   validate,
		translator: translator,
	}

	sg := g.Group("/streak", jwt)
	sg.POST("/completions", api.recordCompletion)
	sg.GET("/stats", api.stats)
	sg.POST("/recovery", api.recover)
}

// Handlers

func (api *streakApi) recordCompletion(ctx echo.Context) error {
	claims, err := getContextClaims(ctx)
	if err != nil {
		return err
	}

	var data streak.NewCompletion
	if err = ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewCompletion")
	}
	data.UserID = claims.Subject
	if err = data.Validate(api.validate); err != nil {
		return err
	}

	res, err := api.svc.RecordCompletion(ctx.Request().Context(), data)
	if err != nil {
		return errors.Wrap(err, "recording completion")
	}

	// duplicates are a normal outcome, not an error
	return ctx.JSON(http.StatusOK, res)
}

func (api *streakApi) stats(ctx echo.Context) error {
	claims, err := getContextClaims(ctx)
	if err != nil {
		return err
	}

	stats, err := api.svc.Stats(ctx.Request().Context(), claims.Subject)
	if err != nil {
		return errors.Wrap(err, "getting streak stats")
	}

	return ctx.JSON(http.StatusOK, stats)
}

func (api *streakApi) recover(ctx echo.Context) error {
	claims, err := getContextClaims(ctx)
	if err != nil {
		return err
	}

	var data streak.NewRecovery
	if err = ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewRecovery")
	}
	data.UserID = claims.Subject
	if err = data.Validate(api.validate); err != nil {
		return err
	}

	week, err := core.ParseWeekKey(data.WeekKey)
	if err != nil { // the weekkey tag already vetted the format
		return core.NewValidationError(nil, core.FieldError{Field: "week_key", Error: err.Error()})
	}

	res, err := api.svc.Recover(ctx.Request().Context(), data.UserID, week)
	if err != nil {
		return errors.Wrap(err, "recovering streak week")
	}

	// precondition failures come back with Success=false and a typed reason
	return ctx.JSON(http.StatusOK, res)
}
