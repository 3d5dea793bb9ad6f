// Package tool defines the tool invocation contract: named tool definitions
// with schema-validated arguments, a registry for name lookup, and the
// call/result types exchanged with the agent loop.
//
// Invariants:
// - Tool names are unique within a registry.
// - Execute always returns a ToolResult; handler errors and panics never escape.
// - Arguments are validated against the tool's JSON Schema before the handler runs.
//
// Usage:
//
//	reg := tool.NewRegistry()
//	_ = reg.Register(tool.Definition{
//		Name:        "echo",
//		Description: "Echo the input back",
//		Parameters: []tool.Parameter{
//			{Name: "text", Type: "string", Description: "Text to echo", Required: true},
//		},
//		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
//			return args["text"], nil
//		},
//	})
//	result := reg.Execute(ctx, tool.Call{ID: "1", Name: "echo", Arguments: map[string]interface{}{"text": "hi"}}, 30*time.Second)
package tool
