package types

type ErrorResponse struct {
	Error string `json:"error"`
}

type MessageResponse struct {
	Message string `json:"message"`
}

type HealthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
}

type ConfirmCheckoutResponse struct {
	Status      string `json:"status"`
	OrderStatus string `json:"orderStatus,omitempty"`
	RedirectURL string `json:"redirectUrl,omitempty"`
}
