package openai

import (
	"fmt"
	"strings"

	"github.com/quarrylabs/quarry/ai"
)

const extractionResponseSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "properties": {
    "entities": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "name": {
            "type": "string"
          },
          "type": {
            "type": "string"
          },
          "confidence": {
            "type": "number",
            "minimum": 0,
            "maximum": 1
          }
        },
        "required": ["name", "type", "confidence"],
        "additionalProperties": false
      }
    }
  },
  "required": ["entities"],
  "additionalProperties": false
}`

const extractionPromptTemplate = `Extract the business entities mentioned in the given text and return them as JSON.

Output ONLY valid JSON which complies with the schema given below. Do not include any preamble, explanation,
greeting, or acknowledgment. Start your response directly with the opening brace { and end with the closing
brace }. Your output must exactly follow this schema:

%s

Rules:
- Name is the entity exactly as mentioned, with original capitalization preserved.
- Type field must match exactly one of the listed values: %s.
- Confidence is a number from 0.0 (uncertain) to 1.0 (certain). Rate how sure you are that the mention refers to a real entity of that type.
- Include only entities that are explicitly mentioned in the text. Do not hallucinate.
- Do not include pronouns or generic references like "the company" or "the client".
- If no entities can be identified, return "entities": [].
- The JSON must parse without errors; no trailing commas, no extra keys, and no extraneous text outside the object.

Example:
Input: "Met with Sarah Chen from Acme Corp about the Q3 renewal."
Output:
{
  "entities": [
    {"name":"Sarah Chen","type":"person","confidence":0.95},
    {"name":"Acme Corp","type":"organization","confidence":0.9}
  ]
}

Example (informal, no punctuation):
Input: "call w/ globex tomorrow re pricing"
Output:
{
  "entities": [
    {"name":"globex","type":"organization","confidence":0.7}
  ]
}

Example (nothing to extract):
Input: "following up on our earlier conversation"
Output:
{
  "entities": []
}`

// buildSystemPrompt creates the system prompt with entity types embedded.
func buildSystemPrompt() string {
	return fmt.Sprintf(extractionPromptTemplate,
		extractionResponseSchema,
		strings.Join(ai.EntityTypes, ", "))
}
