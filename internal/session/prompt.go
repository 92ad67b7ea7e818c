package session

import (
	"fmt"
	"strings"

	"apphost/internal/mcp"
)

func extractionPrompt(tool *mcp.ToolInfo, remaining, collected []string, userMessage string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "You are helping the user run the tool %q.\n", tool.DisplayTitle())
	if tool.Description != "" {
		fmt.Fprintf(&sb, "Tool description: %s\n", tool.Description)
	}
	fmt.Fprintf(&sb, "Parameters still needed: %s\n", strings.Join(describeParams(tool, remaining), ", "))
	if len(collected) > 0 {
		fmt.Fprintf(&sb, "Parameters already provided: %s\n", strings.Join(collected, ", "))
	}
	fmt.Fprintf(&sb, "\nUser message: %s\n\n", userMessage)
	sb.WriteString("If the message provides values for any of the needed parameters, include one line of the form\n")
	sb.WriteString(toolParamsMarker + ` {"name": "value"}` + "\n")
	sb.WriteString("containing only the needed parameters you could extract. ")
	sb.WriteString("If anything is still missing, also ask a short, natural follow-up question for it.")
	return sb.String()
}

func structuredExtractionPrompt(tool *mcp.ToolInfo, remaining, collected []string, userMessage string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Extract parameters for the tool %q from the user message.\n", tool.DisplayTitle())
	fmt.Fprintf(&sb, "Needed: %s\n", strings.Join(describeParams(tool, remaining), ", "))
	if len(collected) > 0 {
		fmt.Fprintf(&sb, "Already provided: %s\n", strings.Join(collected, ", "))
	}
	fmt.Fprintf(&sb, "User message: %s\n\n", userMessage)
	sb.WriteString(`Respond with a JSON object {"parameters": {...}, "reply": "..."}. `)
	sb.WriteString(`Put only values the user actually gave into "parameters". `)
	sb.WriteString(`Use "reply" for a short follow-up question about what is still missing.`)
	return sb.String()
}

func describeParams(tool *mcp.ToolInfo, names []string) []string {
	out := make([]string, 0, len(names))
	for _, name := range names {
		var prop *mcp.JSONSchema
		if tool.InputSchema != nil {
			prop = tool.InputSchema.Properties[name]
		}
		if prop != nil && prop.Description != "" {
			out = append(out, fmt.Sprintf("%s (%s)", name, prop.Description))
		} else {
			out = append(out, name)
		}
	}
	return out
}

func missingQuestion(missing []string) string {
	return fmt.Sprintf("Could you provide %s?", strings.Join(missing, ", "))
}

func describeApp(app *App) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "You are assisting the user inside the app %q.\n", app.Name)
	if app.Instructions != "" {
		fmt.Fprintf(&sb, "App instructions: %s\n", app.Instructions)
	}
	sb.WriteString("Available tools:\n")
	for _, tool := range app.Tools {
		fmt.Fprintf(&sb, "- %s", tool.Name)
		if tool.Title != "" {
			fmt.Fprintf(&sb, " (%s)", tool.Title)
		}
		if tool.Description != "" {
			fmt.Fprintf(&sb, ": %s", tool.Description)
		}
		if required := mcp.RequiredParams(tool.InputSchema); len(required) > 0 {
			fmt.Fprintf(&sb, " [required: %s]", strings.Join(required, ", "))
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func routingPrompt(app *App, userMessage string) string {
	var sb strings.Builder
	sb.WriteString(describeApp(app))
	sb.WriteString(`
Decide how to handle the user's message. Reply with only a JSON object:
{"action": "invoke_tool" | "modify_parameters" | "respond", "toolName": "...", "parameters": {...}, "response": "..."}

- "invoke_tool": the user wants to run a tool. Set "toolName" and any "parameters" stated in the message.
- "modify_parameters": the user wants to re-run the last tool with changed values. Put only the changed values in "parameters".
- "respond": anything else. Put your answer in "response".

User message: `)
	sb.WriteString(userMessage)
	return sb.String()
}

func contextPrompt(app *App, userMessage string) string {
	return describeApp(app) + "\nAnswer the user's message conversationally.\n\nUser message: " + userMessage
}
