package entities

// DonationCartItem is a user-facing cart entry
type DonationCartItem struct {
	UID      string `json:"uid" validate:"required"`
	Title    string `json:"title"`
	Slug     string `json:"slug,omitempty"`
	ImageURL string `json:"imageURL,omitempty"`
}

// CartState is the persisted shape of the donation cart
type CartState struct {
	Items                []DonationCartItem        `json:"items"`
	Amounts              map[string]string         `json:"amounts"`
	SelectedTokens       map[string]SupportedToken `json:"selectedTokens"`
	Payments             []DonationPayment         `json:"payments"`
	LastCompletedSession *DonationSession          `json:"lastCompletedSession,omitempty"`
}

// NewCartState returns an empty cart
func NewCartState() CartState {
	return CartState{
		Items:          []DonationCartItem{},
		Amounts:        map[string]string{},
		SelectedTokens: map[string]SupportedToken{},
		Payments:       []DonationPayment{},
	}
}

// Normalize replaces nil collections left by decoding with empty ones
func (s *CartState) Normalize() {
	if s.Items == nil {
		s.Items = []DonationCartItem{}
	}
	if s.Amounts == nil {
		s.Amounts = map[string]string{}
	}
	if s.SelectedTokens == nil {
		s.SelectedTokens = map[string]SupportedToken{}
	}
	if s.Payments == nil {
		s.Payments = []DonationPayment{}
	}
}

// Clone returns a deep copy; callers may mutate it freely
func (s CartState) Clone() CartState {
	out := CartState{
		Items:                append([]DonationCartItem{}, s.Items...),
		Amounts:              make(map[string]string, len(s.Amounts)),
		SelectedTokens:       make(map[string]SupportedToken, len(s.SelectedTokens)),
		Payments:             append([]DonationPayment{}, s.Payments...),
		LastCompletedSession: s.LastCompletedSession,
	}
	for k, v := range s.Amounts {
		out.Amounts[k] = v
	}
	for k, v := range s.SelectedTokens {
		out.SelectedTokens[k] = v
	}
	return out
}

// PayoutStatus is the per-project view of payout address resolution
type PayoutStatus struct {
	Address   string `json:"address,omitempty"`
	IsLoading bool   `json:"isLoading"`
	IsMissing bool   `json:"isMissing"`
}
