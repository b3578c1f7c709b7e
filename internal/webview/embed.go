// ABOUTME: Embeds HTML templates into the binary using go:embed
// ABOUTME: Templates are compiled in for single-binary deployment

package webview

import "embed"

//go:embed templates/*.html
var templateFS embed.FS
