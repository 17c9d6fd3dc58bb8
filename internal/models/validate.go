package models

import (
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// validate is the shared validator for evidence payloads. The "known" tag
// accepts only the closed set of values of a tagged string type.
var validate *validator.Validate

func init() {
	validate = validator.New()
	validate.RegisterTagNameFunc(JSONFieldName)
	_ = validate.RegisterValidation("known", validateKnown)
}

// JSONFieldName reports a struct field by its JSON key so validation errors
// name the fields callers actually send.
func JSONFieldName(fld reflect.StructField) string {
	name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
	if name == "-" {
		return ""
	}
	return name
}

func validateKnown(fl validator.FieldLevel) bool {
	var err error
	switch v := fl.Field().Interface().(type) {
	case Decision:
		_, err = ParseDecision(string(v))
	case OverallStatus:
		_, err = ParseOverallStatus(string(v))
	case Environment:
		_, err = ParseEnvironment(string(v))
	case TestType:
		_, err = ParseTestType(string(v))
	case Severity:
		_, err = ParseSeverity(string(v))
	case FailureCategory:
		_, err = ParseFailureCategory(string(v))
	case ResolutionStatus:
		_, err = ParseResolutionStatus(string(v))
	case IterationOutcome:
		_, err = ParseIterationOutcome(string(v))
	case CoverageStatus:
		_, err = ParseCoverageStatus(string(v))
	case VerificationStatus:
		_, err = ParseVerificationStatus(string(v))
	default:
		return false
	}
	return err == nil
}

// Validate checks required fields and tag values of the report and all of
// its evidence. It does not check the decision fields against the rules.
func (r *TestSummaryReport) Validate() error {
	return validate.Struct(r)
}

// Validate checks one eval iteration, including its failure modes.
func (e *EvalIterationSummary) Validate() error {
	return validate.Struct(e)
}

// Validate checks one requirement coverage entry.
func (rc *RequirementCoverage) Validate() error {
	return validate.Struct(rc)
}
