package echoapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/pmezard/go-difflib/difflib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aprendia/backend/core"
	"github.com/aprendia/backend/core/streak"
	dummydb "github.com/aprendia/backend/storage/database/dummy"
)

type noopLogger struct{}

func (noopLogger) Enable(bool)                  {}
func (noopLogger) Debug(string, ...interface{}) {}
func (noopLogger) Info(string, ...interface{})  {}
func (noopLogger) Warn(string, ...interface{})  {}
func (noopLogger) Error(string, ...interface{}) {}
func (noopLogger) Fatal(string, ...interface{}) {}

func testConfig() *core.Config {
	return &core.Config{
		AppName:   "Aprendia",
		TestMode:  true,
		SecretKey: "test-secret",
		Server: core.ServerConfig{
			Addr:               ":0",
			JWTExpirationDelta: time.Hour,
		},
		Streak: core.StreakConfig{
			WeeklyGoal:          3,
			Timezone:            "UTC",
			LessonPoints:        10,
			WeeklyGoalPoints:    50,
			BadgePoints:         25,
			MilestoneBonuses:    []int{10, 20, 30, 40, 50, 60, 70},
			RecoveryBaseCost:    100,
			RecoveryCostPerWeek: 20,
		},
	}
}

func setupServer(t *testing.T, at time.Time) (*Server, *core.Config) {
	t.Helper()

	db, err := dummydb.Open()
	require.NoError(t, err)

	conf := testConfig()
	svc := streak.NewService(
		dummydb.NewStreakRepository(db),
		nil,
		nil,
		noopLogger{},
		conf,
		func() time.Time { return at },
	)

	validate := validator.New()
	_en := en.New()
	uni := ut.New(_en, _en)
	translator, _ := uni.GetTranslator("en")
	core.InitValidators(validate, translator)

	server := NewServer(ServerDeps{
		Conf:       conf,
		Logger:     noopLogger{},
		StreakSvc:  svc,
		Validate:   validate,
		Translator: translator,
	})
	return server, conf
}

func doRequest(server *Server, method, path, body, token string) *httptest.ResponseRecorder {
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	return rec
}

func userToken(t *testing.T, conf *core.Config, userID string) string {
	t.Helper()
	token, err := GenerateToken(conf, GetUserClaims(conf, userID))
	require.NoError(t, err)
	return token
}

func Test_streakApi_auth(t *testing.T) {
	now := core.WeekKey{Year: 2021, Week: 9}.Monday(time.UTC).Add(12 * time.Hour)
	server, _ := setupServer(t, now)

	for _, tt := range []struct {
		method, path string
	}{
		{http.MethodPost, "/v1/streak/completions"},
		{http.MethodGet, "/v1/streak/stats"},
		{http.MethodPost, "/v1/streak/recovery"},
	} {
		rec := doRequest(server, tt.method, tt.path, "", "")
		assert.Equal(t, http.StatusUnauthorized, rec.Code, "%s %s", tt.method, tt.path)
	}
}

func Test_streakApi_recordCompletion(t *testing.T) {
	now := core.WeekKey{Year: 2021, Week: 9}.Monday(time.UTC).Add(12 * time.Hour)
	server, conf := setupServer(t, now)
	token := userToken(t, conf, "alice")

	t.Run("ok", func(t *testing.T) {
		rec := doRequest(server, http.MethodPost, "/v1/streak/completions",
			`{"lesson_id": "l1", "course_id": "go-101"}`, token)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		var res streak.CompletionResult
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
		assert.True(t, res.Accepted)
		assert.Equal(t, "2021-W09", res.Week.String())
	})

	t.Run("duplicate is 200 with accepted=false", func(t *testing.T) {
		rec := doRequest(server, http.MethodPost, "/v1/streak/completions",
			`{"lesson_id": "l1", "course_id": "go-101"}`, token)
		require.Equal(t, http.StatusOK, rec.Code)

		var res streak.CompletionResult
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
		assert.False(t, res.Accepted)
	})

	t.Run("padded ids name the same lesson", func(t *testing.T) {
		rec := doRequest(server, http.MethodPost, "/v1/streak/completions",
			`{"lesson_id": "  l1  ", "course_id": "go-101"}`, token)
		require.Equal(t, http.StatusOK, rec.Code)

		var res streak.CompletionResult
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
		assert.False(t, res.Accepted)
	})

	t.Run("missing fields", func(t *testing.T) {
		rec := doRequest(server, http.MethodPost, "/v1/streak/completions", `{}`, token)
		require.Equal(t, http.StatusBadRequest, rec.Code)

		var fldErrs map[string]string
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &fldErrs))
		assert.Contains(t, fldErrs, "lesson_id")
		assert.Contains(t, fldErrs, "course_id")
	})
}

func Test_streakApi_stats(t *testing.T) {
	now := core.WeekKey{Year: 2021, Week: 9}.Monday(time.UTC).Add(12 * time.Hour)
	server, conf := setupServer(t, now)
	token := userToken(t, conf, "alice")

	for _, lesson := range []string{"l1", "l2", "l3"} {
		rec := doRequest(server, http.MethodPost, "/v1/streak/completions",
			`{"lesson_id": "`+lesson+`", "course_id": "go-101"}`, token)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := doRequest(server, http.MethodGet, "/v1/streak/stats", "", token)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var stats streak.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, "3/3", stats.WeekProgress)
	assert.True(t, stats.GoalMet)
	assert.Equal(t, 80, stats.TotalPoints)
}

// assertJSONBody compares the exact wire format; clients bind to it.
func assertJSONBody(t *testing.T, want string, got []byte) {
	t.Helper()
	if g := strings.TrimSpace(string(got)); g != want {
		diff, _ := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
			A:        difflib.SplitLines(want),
			B:        difflib.SplitLines(g),
			FromFile: "want",
			ToFile:   "got",
			Context:  2,
		})
		t.Errorf("unexpected response body:\n%s", diff)
	}
}

func Test_streakApi_stats_wireFormat(t *testing.T) {
	now := core.WeekKey{Year: 2021, Week: 9}.Monday(time.UTC).Add(12 * time.Hour)
	server, conf := setupServer(t, now)
	token := userToken(t, conf, "alice")

	rec := doRequest(server, http.MethodPost, "/v1/streak/completions",
		`{"lesson_id": "l1", "course_id": "go-101"}`, token)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(server, http.MethodGet, "/v1/streak/stats", "", token)
	require.Equal(t, http.StatusOK, rec.Code)

	assertJSONBody(t,
		`{"current_week_lessons":1,"week_progress":"1/3","goal_met":false,"current_streak":0,`+
			`"longest_streak":0,"total_points":10,"badges":[],"recovery_cost":100,"can_recover":false}`,
		rec.Body.Bytes())
}

func Test_streakApi_recover(t *testing.T) {
	now := core.WeekKey{Year: 2021, Week: 9}.Monday(time.UTC).Add(12 * time.Hour)
	server, conf := setupServer(t, now)
	token := userToken(t, conf, "alice")

	t.Run("malformed week key", func(t *testing.T) {
		rec := doRequest(server, http.MethodPost, "/v1/streak/recovery",
			`{"week_key": "2021/09"}`, token)
		require.Equal(t, http.StatusBadRequest, rec.Code)

		var fldErrs map[string]string
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &fldErrs))
		assert.Contains(t, fldErrs, "week_key")
	})

	t.Run("wrong week", func(t *testing.T) {
		rec := doRequest(server, http.MethodPost, "/v1/streak/recovery",
			`{"week_key": "2021-W01"}`, token)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		var res streak.RecoveryResult
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
		assert.False(t, res.Success)
		assert.Equal(t, streak.RecoveryWrongWeek, res.Reason)
	})
}
