package actions

// PayloadSchema is the JSON Schema every command collaborator's stdout must
// satisfy.
const PayloadSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "properties": {
    "metric": {
      "type": "number",
      "description": "Observed evaluation value for the target entity"
    },
    "discovered": {
      "type": "array",
      "items": {
        "type": "string",
        "minLength": 1,
        "maxLength": 256
      },
      "description": "Entity keys found by the action"
    },
    "details": {
      "type": "object",
      "description": "Free-form collaborator output"
    }
  }
}`
