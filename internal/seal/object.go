package seal

// ObjectVersion tags the EncryptedObject layout.
const ObjectVersion = 1

// EncryptedObject is the immutable result of a threshold encryption.
// Re-encryption produces a new object; nothing here is ever updated in
// place.
type EncryptedObject struct {
	Version  int    `json:"version"`
	Identity []byte `json:"identity"`

	// DataID names the data item the access contract checks grants
	// against. It doubles as the blob metadata key.
	DataID string `json:"data_id"`

	Threshold  int            `json:"threshold"`
	Nonce      []byte         `json:"nonce"`
	Ciphertext []byte         `json:"ciphertext"`
	Shares     []WrappedShare `json:"shares"`

	// BackupKey is the escrowed DEK. It exists for disaster recovery
	// only and is not used on the normal decrypt path.
	BackupKey []byte `json:"backup_key,omitempty"`
}
