package gateway

import "fmt"

// Config selects and configures the payment provider for this process.
type Config struct {
	// Provider is one of "stripe", "wompi", "payu", "null".
	Provider string

	Stripe StripeConfig
	Wompi  WompiConfig
	Payu   PayuConfig
}

// New builds the configured gateway client. Called once at startup;
// the rest of the system depends only on the Client interface.
func New(cfg Config) (Client, error) {
	switch cfg.Provider {
	case "stripe":
		return NewStripeClient(cfg.Stripe)
	case "wompi":
		return NewWompiClient(cfg.Wompi)
	case "payu":
		return NewPayuClient(cfg.Payu)
	case "null", "":
		return NewNullClient(), nil
	default:
		return nil, fmt.Errorf("gateway: unknown provider %q", cfg.Provider)
	}
}
