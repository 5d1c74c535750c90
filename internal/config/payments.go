package config

// Integration endpoints are used when PAYMENTS_TEST_MODE is on, production
// endpoints otherwise.  An explicit *_BASE_URL always wins, which is how
// tests point the adapters at local servers.
const (
	webpayIntegrationURL = "https://webpay3gint.transbank.cl"
	webpayProductionURL  = "https://webpay3g.transbank.cl"
	mercadoPagoURL       = "https://api.mercadopago.com"

	// Public integration credentials for the redirect/commit provider.
	webpayIntegrationCommerceCode = "597055555532"
	webpayIntegrationAPIKey       = "579B532A7440BB0C9079DED94D31EA1615BACEB56610332264630D42D0A36B1C"
)

// PaymentsConfig carries credentials for both provider families.
type PaymentsConfig struct {
	TestMode bool
	Webpay   WebpayConfig
	MP       MercadoPagoConfig
}

// WebpayConfig configures the redirect/commit provider.
type WebpayConfig struct {
	CommerceCode  string
	APIKey        string
	BaseURL       string
	WebhookSecret string
}

// MercadoPagoConfig configures the preference/webhook provider.
type MercadoPagoConfig struct {
	AccessToken     string
	BaseURL         string
	NotificationURL string
	WebhookSecret   string
}

// LoadPaymentsConfig reads provider credentials.  In test mode the
// redirect/commit provider falls back to its public integration keys.
func LoadPaymentsConfig() PaymentsConfig {
	test := envBool("PAYMENTS_TEST_MODE", true)
	wp := WebpayConfig{
		CommerceCode:  envStr("WEBPAY_COMMERCE_CODE", ""),
		APIKey:        envStr("WEBPAY_API_KEY", ""),
		BaseURL:       envStr("WEBPAY_BASE_URL", ""),
		WebhookSecret: envStr("WEBPAY_WEBHOOK_SECRET", ""),
	}
	if wp.BaseURL == "" {
		wp.BaseURL = webpayProductionURL
		if test {
			wp.BaseURL = webpayIntegrationURL
		}
	}
	if test {
		if wp.CommerceCode == "" {
			wp.CommerceCode = webpayIntegrationCommerceCode
		}
		if wp.APIKey == "" {
			wp.APIKey = webpayIntegrationAPIKey
		}
	}
	return PaymentsConfig{
		TestMode: test,
		Webpay:   wp,
		MP: MercadoPagoConfig{
			AccessToken:     envStr("MP_ACCESS_TOKEN", ""),
			BaseURL:         envStr("MP_BASE_URL", mercadoPagoURL),
			NotificationURL: envStr("MP_NOTIFICATION_URL", ""),
			WebhookSecret:   envStr("MP_WEBHOOK_SECRET", ""),
		},
	}
}
