package model

type CreateProject struct {
	Name     string                 `json:"name"`
	OwnerID  string                 `json:"owner_id"`
	MetaData map[string]interface{} `json:"meta_data"`
}

type ProvisionProject struct {
	ExternalID     string                 `json:"external_id"`
	IdempotencyKey string                 `json:"idempotency_key"`
	Payload        map[string]interface{} `json:"payload"`
}

type UpdateSyncStatus struct {
	Status string  `json:"status"`
	Error  *string `json:"error"`
	Actor  string  `json:"actor"`
}
