package evaluator

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aeroling/oralexam/internal/domain"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

const evaluationSchemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"additionalProperties": false,
	"required": ["fluencyScore", "grammarScore", "vocabularyScore", "pronunciationScore", "feedback"],
	"properties": {
		"fluencyScore":       {"type": "integer", "minimum": 0, "maximum": 100},
		"grammarScore":       {"type": "integer", "minimum": 0, "maximum": 100},
		"vocabularyScore":    {"type": "integer", "minimum": 0, "maximum": 100},
		"pronunciationScore": {"type": "integer", "minimum": 0, "maximum": 100},
		"feedback":           {"type": "string"}
	}
}`

var evaluationSchema = jsonschema.MustCompileString("evaluation.schema.json", evaluationSchemaJSON)

// DecodeEvaluation validates an evaluator response body against the strict
// schema. Anything that does not validate is a MalformedEvaluation failure.
func DecodeEvaluation(body []byte) (domain.AnswerEvaluation, error) {
	var instance any
	if err := json.Unmarshal(body, &instance); err != nil {
		return domain.AnswerEvaluation{}, malformed(fmt.Errorf("decode response: %w", err))
	}
	if err := evaluationSchema.Validate(instance); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			return domain.AnswerEvaluation{}, malformed(fmt.Errorf("response does not match schema: %s", ve.Error()))
		}
		return domain.AnswerEvaluation{}, malformed(err)
	}

	var eval domain.AnswerEvaluation
	if err := json.Unmarshal(body, &eval); err != nil {
		return domain.AnswerEvaluation{}, malformed(fmt.Errorf("decode evaluation: %w", err))
	}
	if err := eval.Validate(); err != nil {
		return domain.AnswerEvaluation{}, malformed(err)
	}
	return eval, nil
}

func malformed(err error) error {
	return domain.NewFailure(domain.FailureMalformedEvaluation, OpEvaluate, err)
}
