package filter

import (
	"fmt"

	"event-pipes/internal/common/errors"
	"event-pipes/internal/model"
)

// ValidateCriteria rejects malformed filter patterns at pipe creation so
// evaluation never has to fail.
func ValidateCriteria(criteria *model.FilterCriteria) error {
	if criteria == nil {
		return nil
	}
	_, err := NewEvaluator(criteria)
	return err
}

func validatePatternObject(pattern map[string]interface{}, path string) error {
	for field, constraint := range pattern {
		fieldPath := field
		if path != "" {
			fieldPath = path + "." + field
		}
		switch c := constraint.(type) {
		case map[string]interface{}:
			if err := validatePatternObject(c, fieldPath); err != nil {
				return err
			}
		case []interface{}:
			if len(c) == 0 {
				return errors.FilterConfigError("empty constraint list at field " + fieldPath)
			}
			for _, elem := range c {
				if err := validateConstraint(elem, fieldPath); err != nil {
					return err
				}
			}
		default:
			return errors.FilterConfigError(
				fmt.Sprintf("constraint at field %s must be an object or array, got %T", fieldPath, constraint))
		}
	}
	return nil
}

func validateConstraint(elem interface{}, fieldPath string) error {
	op, ok := elem.(map[string]interface{})
	if !ok {
		// literal scalar constraints are always valid
		switch elem.(type) {
		case string, float64, bool, nil:
			return nil
		default:
			return errors.FilterConfigError(
				fmt.Sprintf("constraint at field %s must be a scalar or operator object", fieldPath))
		}
	}
	if len(op) != 1 {
		return errors.FilterConfigError(
			fmt.Sprintf("operator object at field %s must have exactly one key", fieldPath))
	}
	for name, operand := range op {
		switch name {
		case "exists":
			if _, ok := operand.(bool); !ok {
				return errors.FilterConfigError("exists operator requires a boolean at field " + fieldPath)
			}
		case "prefix", "suffix":
			if _, ok := operand.(string); !ok {
				return errors.FilterConfigError(name + " operator requires a string at field " + fieldPath)
			}
		case "numeric":
			if err := validateNumeric(operand, fieldPath); err != nil {
				return err
			}
		case "anything-but":
			values, ok := operand.([]interface{})
			if !ok {
				values = []interface{}{operand}
			}
			for _, v := range values {
				switch v.(type) {
				case string, float64, bool, nil:
				default:
					return errors.FilterConfigError("anything-but operator requires scalar values at field " + fieldPath)
				}
			}
		default:
			return errors.FilterConfigError(
				fmt.Sprintf("unsupported filter operator %q at field %s", name, fieldPath))
		}
	}
	return nil
}

func validateNumeric(operand interface{}, fieldPath string) error {
	terms, ok := operand.([]interface{})
	if !ok || len(terms) == 0 || len(terms)%2 != 0 {
		return errors.FilterConfigError("numeric operator requires comparator/value pairs at field " + fieldPath)
	}
	for i := 0; i < len(terms); i += 2 {
		cmp, ok := terms[i].(string)
		if !ok {
			return errors.FilterConfigError("numeric comparator must be a string at field " + fieldPath)
		}
		switch cmp {
		case "=", ">", ">=", "<", "<=":
		default:
			return errors.FilterConfigError(
				fmt.Sprintf("unsupported numeric comparator %q at field %s", cmp, fieldPath))
		}
		if _, ok := terms[i+1].(float64); !ok {
			return errors.FilterConfigError("numeric operand must be a number at field " + fieldPath)
		}
	}
	return nil
}
