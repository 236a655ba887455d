package feishu

// cardElementID is the single markdown element that every streamed answer
// replaces. Update calls address it directly.
const cardElementID = "markdown_1"

// cardTemplate is the schema-2.0 card created for every streamed reply.
// Streaming mode is enabled so the client renders incremental content
// replacements; the markdown element starts as a "thinking" placeholder.
const cardTemplate = `{
  "schema": "2.0",
  "config": {
    "streaming_mode": true,
    "summary": {
      "content": "[思考中]"
    },
    "streaming_config": {
      "print_frequency_ms": {"default": 20, "android": 15, "ios": 25, "pc": 30},
      "print_step": {"default": 2, "android": 3, "ios": 4, "pc": 5},
      "print_strategy": "fast"
    }
  },
  "body": {
    "elements": [
      {
        "tag": "markdown",
        "content": "思考中",
        "element_id": "markdown_1"
      }
    ]
  }
}`
