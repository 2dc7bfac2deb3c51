package gap

// DonationResponse is returned after a donation record is stored
type DonationResponse struct {
	UID       string `json:"uid"`
	Status    string `json:"status,omitempty"`
	CreatedAt string `json:"createdAt,omitempty"`
}
