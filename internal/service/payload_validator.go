package service

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/harry-school/offline-sync/internal/models"
)

const maxNoteLength = 1000

// Inspection is the outcome of checking a queued payload.
type Inspection struct {
	ConflictKey string
	Validation  models.Validation
	Issues      []string
}

// PayloadValidator derives the conflict key and validation verdict for queued payloads.
// Required-field violations make a record invalid; soft rules only warn.
type PayloadValidator struct {
	validate *validator.Validate
	now      func() time.Time
}

// NewPayloadValidator constructs the validator.
func NewPayloadValidator(validate *validator.Validate) *PayloadValidator {
	if validate == nil {
		validate = validator.New()
	}
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})
	return &PayloadValidator{validate: validate, now: time.Now}
}

// Inspect decodes the payload for its type and returns key and verdict.
func (v *PayloadValidator) Inspect(recordType models.RecordType, raw json.RawMessage) Inspection {
	var (
		target   interface{ ConflictKey() string }
		warnings []string
	)

	switch recordType {
	case models.RecordTypeAttendance:
		var p models.AttendancePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return malformed(recordType, err)
		}
		if day, err := time.Parse("2006-01-02", p.Date); err == nil && day.After(v.now().UTC().Truncate(24*time.Hour)) {
			warnings = append(warnings, "date is in the future")
		}
		target = p
	case models.RecordTypePerformance:
		var p models.PerformancePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return malformed(recordType, err)
		}
		if p.Score == nil && p.Participation == nil && p.Comment == nil {
			warnings = append(warnings, "no score, participation or comment recorded")
		}
		target = p
	case models.RecordTypeNote:
		var p models.NotePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return malformed(recordType, err)
		}
		if len([]rune(p.Content)) > maxNoteLength {
			warnings = append(warnings, fmt.Sprintf("content exceeds %d characters", maxNoteLength))
		}
		target = p
	default:
		return Inspection{Validation: models.ValidationInvalid, Issues: []string{fmt.Sprintf("unsupported type %q", recordType)}}
	}

	result := Inspection{ConflictKey: target.ConflictKey(), Validation: models.ValidationValid}
	if err := v.validate.Struct(target); err != nil {
		result.Validation = models.ValidationInvalid
		result.Issues = fieldIssues(err)
		return result
	}
	if len(warnings) > 0 {
		result.Validation = models.ValidationWarning
		result.Issues = warnings
	}
	return result
}

// malformed payloads carry no identity; the caller keys them by record id.
func malformed(recordType models.RecordType, err error) Inspection {
	return Inspection{
		Validation: models.ValidationInvalid,
		Issues:     []string{fmt.Sprintf("%s payload is not valid JSON: %v", recordType, err)},
	}
}

func fieldIssues(err error) []string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []string{err.Error()}
	}
	issues := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			issues = append(issues, fe.Field()+" is required")
		case "oneof":
			issues = append(issues, fmt.Sprintf("%s must be one of [%s]", fe.Field(), fe.Param()))
		default:
			issues = append(issues, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
		}
	}
	return issues
}
