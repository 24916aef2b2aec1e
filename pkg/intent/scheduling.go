package intent

import (
	"fmt"
	"regexp"
	"strings"
)

var schedulingPatterns = []*regexp.Regexp{
	regexp.MustCompile(`agendar`),
	regexp.MustCompile(`marcar.*reunião`),
	regexp.MustCompile(`marcar.*consulta`),
	regexp.MustCompile(`marcar.*meet`),
	regexp.MustCompile(`marcar.*encontro`),
	regexp.MustCompile(`horário.*disponível`),
	regexp.MustCompile(`disponibilidade.*horário`),
	regexp.MustCompile(`pode.*marcar`),
	regexp.MustCompile(`gostaria.*agendar`),
	regexp.MustCompile(`quero.*agendar`),
	regexp.MustCompile(`preciso.*reunião`),
	regexp.MustCompile(`meeting.*disponível`),
	regexp.MustCompile(`agendamento`),
	regexp.MustCompile(`calendário`),
	regexp.MustCompile(`horário.*livre`),
}

// HasSchedulingIntent reports whether the message asks to book a meeting.
func HasSchedulingIntent(text string) bool {
	lower := strings.ToLower(text)
	for _, pattern := range schedulingPatterns {
		if pattern.MatchString(lower) {
			return true
		}
	}
	return false
}

// SchedulingResponse builds the booking reply. Without a configured
// calendar link it degrades to a generic contact-us message.
func SchedulingResponse(calendarLink string) string {
	if strings.TrimSpace(calendarLink) == "" {
		return "Parece que você gostaria de agendar uma reunião. " +
			"Por favor, entre em contato diretamente conosco para agendar um horário."
	}

	return fmt.Sprintf(
		"Ótima notícia! Você pode agendar uma reunião diretamente conosco através do nosso sistema de agendamento.\n\n"+
			"Acesse o link abaixo para escolher um horário disponível:\n%s\n\n"+
			"Se tiver alguma dúvida sobre o processo de agendamento, posso ajudar!",
		calendarLink,
	)
}
