package credits

import "github.com/superlion8/brand-camera-sub004/internal/models"

// Admit reports whether the balance covers requested images. It reserves nothing;
// Consume stays authoritative.
func Admit(b models.CreditBalance, requested int, today string) bool {
	return Available(b, today).Available >= requested
}
