// ABOUTME: Shape diagnostics for normalized message sequences
// ABOUTME: Flags alternation and block placement problems that point at upstream bugs

package convert

import "fmt"

// Validate inspects a normalized message sequence for shape problems most
// chat APIs reject: consecutive same-role messages, tool_call blocks outside
// assistant messages, and tool_result blocks outside tool messages. The
// diagnostics are non-fatal; placement problems usually indicate a
// correlation bug upstream.
func Validate(msgs []Message) []string {
	var diags []string

	for i, m := range msgs {
		if i > 0 && m.Role == msgs[i-1].Role && m.Role != "system" {
			diags = append(diags, fmt.Sprintf("messages %d and %d both have role %q", i-1, i, m.Role))
		}
		for _, b := range m.Content {
			switch b.Type {
			case BlockToolCall:
				if m.Role != RoleAssistant {
					diags = append(diags, fmt.Sprintf("message %d: tool_call block in %q message", i, m.Role))
				}
			case BlockToolResult:
				if m.Role != RoleTool {
					diags = append(diags, fmt.Sprintf("message %d: tool_result block in %q message", i, m.Role))
				}
			}
		}
	}

	return diags
}
