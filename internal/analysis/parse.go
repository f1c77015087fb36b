package analysis

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/JakeFAU/grant-harvester/internal/crawler"
)

// ErrMalformedResponse is returned when model output is not a valid analysis document.
var ErrMalformedResponse = errors.New("malformed analysis response")

const resultSchema = `{
  "type": "object",
  "required": ["records"],
  "properties": {
    "records": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "title":        {"type": ["string", "null"]},
          "description":  {"type": ["string", "null"]},
          "amount_min":   {"type": ["number", "null"]},
          "amount_max":   {"type": ["number", "null"]},
          "currency":     {"type": ["string", "null"]},
          "deadline":     {"type": ["string", "null"]},
          "eligibility":  {"type": ["array", "null"], "items": {"type": "string"}},
          "categories":   {"type": ["array", "null"], "items": {"type": "string"}},
          "contact_info": {"type": ["object", "null"], "additionalProperties": {"type": "string"}},
          "confidence":   {"type": ["number", "null"]},
          "metadata":     {"type": ["object", "null"]}
        }
      }
    },
    "overall_confidence": {"type": ["number", "null"]},
    "metadata": {"type": ["object", "null"]}
  }
}`

var schemaLoader = gojsonschema.NewStringLoader(resultSchema)

// ParseResult extracts the JSON document from raw model output, checks it
// against the result schema and decodes it.
func ParseResult(raw string) (crawler.AnalysisResult, error) {
	body := jsonBody(raw)
	if body == "" {
		return crawler.AnalysisResult{}, fmt.Errorf("%w: no JSON object found", ErrMalformedResponse)
	}
	validation, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewStringLoader(body))
	if err != nil {
		return crawler.AnalysisResult{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if !validation.Valid() {
		problems := make([]string, 0, len(validation.Errors()))
		for _, e := range validation.Errors() {
			problems = append(problems, e.String())
		}
		return crawler.AnalysisResult{}, fmt.Errorf("%w: %s", ErrMalformedResponse, strings.Join(problems, "; "))
	}
	var result crawler.AnalysisResult
	if err := json.Unmarshal([]byte(body), &result); err != nil {
		return crawler.AnalysisResult{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return result, nil
}

// jsonBody strips markdown fences and returns the outermost {...} span.
func jsonBody(raw string) string {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return ""
	}
	return s[start : end+1]
}
