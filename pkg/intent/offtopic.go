// Package intent holds the cheap pre-reasoning classifiers. Both are pure
// substring/regex checks: they run before any model call so obvious
// off-topic or scheduling messages never spend an LLM request.
package intent

import (
	"math/rand"
	"strings"
)

// offTopicKeywords flags subjects the sales assistant must refuse:
// general knowledge, school topics, personal life, politics, entertainment,
// and questions about the bot itself.
var offTopicKeywords = []string{
	"quem foi", "quem descobriu", "por que o brasil", "história do brasil",
	"quando foi", "o que foi", "como surgiu", "qual a origem",

	"matéria de", "estudar ", "escola", "professor", "prova", "trabalho de ",

	"namorar", "casar", "casamento", "filhos", "família", "relacionamento",

	"política", "eleição", "governador", "prefeito", "presidente",

	"culinária", "receita", "comida", "filme", "música", "esporte",

	"você é um bot", "você é humano", "quem criou você", "inteligência artificial",
}

// questionPatterns catch generic knowledge-question openers.
var questionPatterns = []string{
	"quem foi ", "quem descobriu ", "quem inventou ", "quem criou ",
	"quando foi ", "como surgiu ", "qual a origem ", "de onde veio ",
	"o que é ", "o que foi ", "historia de ", "história de ",
}

var refusals = []string{
	"Desculpe, mas só posso ajudar com informações sobre os serviços da TechSolutions. Posso te ajudar com algo relacionado à tecnologia da informação, desenvolvimento de software, consultoria ou automação de processos?",
	"Essa pergunta está fora do meu campo de atuação. Sou assistente da TechSolutions e posso te ajudar com nossos serviços de tecnologia. Gostaria de saber mais sobre como podemos ajudar o seu negócio?",
	"Infelizmente não posso responder sobre esse assunto. Estou aqui para apresentar os serviços da TechSolutions. Tem interesse em soluções de TI, consultoria ou automação?",
	"Só posso fornecer informações sobre os serviços da TechSolutions. Somos especializados em desenvolvimento de software, consultoria em TI, segurança cibernética e automação de processos. Gostaria de saber mais sobre algum desses serviços?",
}

// IsOffTopic reports whether the message is outside the sales scope.
func IsOffTopic(text string) bool {
	lower := strings.ToLower(text)

	for _, keyword := range offTopicKeywords {
		if strings.Contains(lower, keyword) {
			return true
		}
	}
	for _, pattern := range questionPatterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}

// RefusalResponse picks one of the canned refusal templates at random so
// repeated off-topic questions do not get a word-for-word identical reply.
func RefusalResponse() string {
	return refusals[rand.Intn(len(refusals))]
}

// Refusals exposes the template set for tests and response auditing.
func Refusals() []string {
	out := make([]string, len(refusals))
	copy(out, refusals)
	return out
}
