// Package security rates user-generated text and raises alerts for risky content.
package security

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"strings"
	"unicode/utf8"

	log "github.com/sirupsen/logrus"

	"roomie_match/internal/domain"
	"roomie_match/internal/eventbus"
	"roomie_match/internal/latency"
)

var defaultBannedWords = []string{
	"spam", "estafa", "fraude", "mentira", "odio", "violencia",
	"acoso", "abusar", "ilegal", "prohibido", "droga", "armas",
}

var suspiciousPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\d{16}`),
	regexp.MustCompile(`\b\d{4}[- ]?\d{4}[- ]?\d{4}[- ]?\d{4}\b`),
	regexp.MustCompile(`https?://\S+`),
	regexp.MustCompile(`[\w.-]+@[\w.-]+\.\w+`),
	regexp.MustCompile(`(\+?\d{1,3}[- ]?)?\(?\d{3}\)?[- ]?\d{3}[- ]?\d{4}`),
}

const (
	bannedWordRisk  = 0.3
	patternRisk     = 0.4
	lengthRisk      = 0.1
	repetitionRisk  = 0.2
	maxPlainLength  = 500
	minUniqueRatio  = 0.3
	messageAlertAt  = 0.7
	listingAlertAt  = 0.8
	reasonSeparator = "; "
)

type Analysis struct {
	RiskLevel float64 `json:"risk_level"`
	Reason    string  `json:"reason"`
	Moderated bool    `json:"moderated"`
}

type Publisher interface {
	Publish(ctx context.Context, evt domain.Event) error
}

type Analyzer struct {
	log     *log.Entry
	bus     Publisher
	latency latency.Range
	banned  []string
	masks   []*regexp.Regexp
}

func NewAnalyzer(logger *log.Entry, bus Publisher, lat latency.Range) *Analyzer {
	a := &Analyzer{
		log:     logger.WithField("component", "security"),
		bus:     bus,
		latency: lat,
		banned:  defaultBannedWords,
	}
	for _, w := range a.banned {
		a.masks = append(a.masks, regexp.MustCompile(`(?i)\b`+regexp.QuoteMeta(w)+`\b`))
	}
	return a
}

func (a *Analyzer) Subscribe(bus *eventbus.Bus) []*eventbus.Subscription {
	return []*eventbus.Subscription{
		bus.Subscribe(domain.EventMessageSent, a.handleMessage),
		bus.Subscribe(domain.EventPublicationCreated, a.handlePublication),
	}
}

// AnalyzeContent sums the risk signals found in content, capped at 1 and
// rounded to two decimals.
func (a *Analyzer) AnalyzeContent(ctx context.Context, content string) (Analysis, error) {
	if err := a.latency.Wait(ctx); err != nil {
		return Analysis{}, err
	}
	return a.analyze(content), nil
}

func (a *Analyzer) analyze(content string) Analysis {
	var (
		risk    float64
		reasons []string
	)

	lower := strings.ToLower(content)
	var found []string
	for _, w := range a.banned {
		if strings.Contains(lower, w) {
			found = append(found, w)
		}
	}
	if len(found) > 0 {
		risk += bannedWordRisk
		reasons = append(reasons, "Palabras prohibidas: "+strings.Join(found, ", "))
	}

	for _, re := range suspiciousPatterns {
		if re.MatchString(content) {
			risk += patternRisk
			reasons = append(reasons, "Patrones sospechosos detectados")
			break
		}
	}

	if utf8.RuneCountInString(content) > maxPlainLength {
		risk += lengthRisk
		reasons = append(reasons, "Contenido muy extenso")
	}

	if words := strings.Fields(lower); len(words) > 0 {
		unique := make(map[string]struct{}, len(words))
		for _, w := range words {
			unique[w] = struct{}{}
		}
		if float64(len(unique))/float64(len(words)) < minUniqueRatio {
			risk += repetitionRisk
			reasons = append(reasons, "Posible contenido repetitivo")
		}
	}

	return Analysis{
		RiskLevel: math.Min(math.Round(risk*100)/100, 1),
		Reason:    strings.Join(reasons, reasonSeparator),
		Moderated: len(found) > 0,
	}
}

// ModerateContent masks every whole-word occurrence of a banned word with asterisks.
func (a *Analyzer) ModerateContent(ctx context.Context, content string) (string, error) {
	if err := a.latency.Wait(ctx); err != nil {
		return "", err
	}
	out := content
	for i, re := range a.masks {
		out = re.ReplaceAllString(out, strings.Repeat("*", len(a.banned[i])))
	}
	return out, nil
}

func (a *Analyzer) handleMessage(ctx context.Context, evt domain.Event) error {
	payload, ok := evt.Payload.(domain.MessagePayload)
	if !ok {
		return &domain.PayloadError{Type: evt.Type, Got: evt.Payload}
	}
	msg := payload.Message
	res, err := a.AnalyzeContent(ctx, msg.Content)
	if err != nil {
		return err
	}
	if res.RiskLevel <= messageAlertAt {
		return nil
	}
	return a.raise(ctx, domain.SecurityAlert{
		UserID:    msg.SenderID,
		Message:   "Contenido potencialmente peligroso detectado: " + res.Reason,
		RiskLevel: res.RiskLevel,
		Content:   msg.Content,
	})
}

func (a *Analyzer) handlePublication(ctx context.Context, evt domain.Event) error {
	payload, ok := evt.Payload.(domain.PublicationPayload)
	if !ok {
		return &domain.PayloadError{Type: evt.Type, Got: evt.Payload}
	}
	p := payload.Publication
	title, err := a.AnalyzeContent(ctx, p.Title)
	if err != nil {
		return err
	}
	desc, err := a.AnalyzeContent(ctx, p.Description)
	if err != nil {
		return err
	}
	risk := math.Max(title.RiskLevel, desc.RiskLevel)
	if risk <= listingAlertAt {
		return nil
	}
	return a.raise(ctx, domain.SecurityAlert{
		UserID:    p.UserID,
		Message:   "Publicación marcada para revisión por contenido sospechoso",
		RiskLevel: risk,
		Content:   p.Title + " - " + p.Description,
	})
}

func (a *Analyzer) raise(ctx context.Context, alert domain.SecurityAlert) error {
	a.log.WithFields(log.Fields{
		"user_id":    alert.UserID,
		"risk_level": alert.RiskLevel,
	}).Warn("security alert raised")

	err := a.bus.Publish(ctx, domain.Event{
		Type:        domain.EventSecurityAlert,
		Origin:      domain.OriginSecurity,
		Destination: domain.DestNotifications,
		Payload:     domain.SecurityAlertPayload{Alert: alert},
	})
	if err != nil {
		return fmt.Errorf("publish security alert for %s: %w", alert.UserID, err)
	}
	return nil
}
