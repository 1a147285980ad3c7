package service

import (
	"regexp"
	"strings"
)

var (
	reThinkBlock = regexp.MustCompile(`(?is)<think>.*?</think>`)
	// Bloque de razonamiento sin cerrar: el stream se cortó antes del cierre.
	reThinkOpen = regexp.MustCompile(`(?is)<think>.*$`)
)

// cleanAssistantReply quita BOM y bloques <think> que algunos modelos emiten antes de la respuesta.
func cleanAssistantReply(raw string) string {
	s := strings.TrimPrefix(raw, "\uFEFF")
	s = reThinkBlock.ReplaceAllString(s, "")
	s = reThinkOpen.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}
