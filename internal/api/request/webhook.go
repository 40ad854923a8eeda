package request

// AppStoreNotification is the App Store Server Notifications v2 body.
type AppStoreNotification struct {
	SignedPayload string `json:"signedPayload" validate:"required"`
}

// PubSubPush is the Cloud Pub/Sub push envelope carrying a Play real-time
// developer notification.
type PubSubPush struct {
	Message struct {
		Data        string            `json:"data" validate:"required,base64"`
		MessageID   string            `json:"messageId"`
		PublishTime string            `json:"publishTime"`
		Attributes  map[string]string `json:"attributes"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// BindSubscription attaches an organization to a platform purchase.
type BindSubscription struct {
	Platform    string `json:"platform" validate:"required,oneof=stripe app_store play_store"`
	ExternalKey string `json:"external_key" validate:"required,max=512"`
	UserID      string `json:"user_id" validate:"required"`
	// SignedTransaction is the App Store signedTransactionInfo of the purchase.
	SignedTransaction string `json:"signed_transaction" validate:"omitempty,max=16384"`
}
