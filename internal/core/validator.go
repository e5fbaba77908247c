package core

import (
	"log/slog"

	"github.com/go-playground/validator/v10"

	"planguard/internal/types"
)

// Validator wraps go-playground/validator with domain-specific rules used to
// validate request DTOs after JSON decoding.
type Validator struct {
	logger   *slog.Logger
	validate *validator.Validate
}

// NewValidator creates a new Validator and registers custom validation tags.
func NewValidator(logger *slog.Logger) *Validator {
	v := validator.New()

	// tier: known entitlement tier name.
	_ = v.RegisterValidation("tier", func(fl validator.FieldLevel) bool {
		return types.Tier(fl.Field().String()).Valid()
	})

	// feature: known gated feature identifier.
	_ = v.RegisterValidation("feature", func(fl validator.FieldLevel) bool {
		switch types.FeatureID(fl.Field().String()) {
		case types.FeatureGenreAnalysis, types.FeatureSuggestions,
			types.FeatureReferenceMode, types.FeaturePDFReport,
			types.FeatureAskAI, types.FeatureCorrectionPlan:
			return true
		}
		return false
	})

	// payprovider: known payment provider namespace.
	_ = v.RegisterValidation("payprovider", func(fl validator.FieldLevel) bool {
		return types.Provider(fl.Field().String()).Valid()
	})

	return &Validator{
		logger:   logger,
		validate: v,
	}
}

// ValidateStruct validates the given struct against its validate tags and
// returns a *types.AppError describing the first failing field, or nil.
func (v *Validator) ValidateStruct(s interface{}) error {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}

	if fieldErrs, ok := err.(validator.ValidationErrors); ok && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		return types.NewAppErrorWithDetails(
			codeForTag(fe.Tag()),
			"invalid value for field "+fe.Field(),
			err,
			map[string]any{
				"field": fe.Field(),
				"rule":  fe.Tag(),
			},
		)
	}

	return types.NewAppError(types.ErrCodeValidationPayload, "request validation failed", err)
}

// codeForTag maps a validation tag to the most specific error code available.
func codeForTag(tag string) types.ErrorCode {
	switch tag {
	case "required":
		return types.ErrCodeValidationMissingField
	case "email":
		return types.ErrCodeValidationInvalidEmail
	case "tier":
		return types.ErrCodeValidationTier
	case "feature":
		return types.ErrCodeValidationFeature
	case "payprovider":
		return types.ErrCodeValidationProvider
	default:
		return types.ErrCodeValidationPayload
	}
}
