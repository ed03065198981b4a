package state

import "github.com/plait-im/go-plait/crypto"

// A Namespace is an independently mergeable replicated data category. The
// numeric values identify the storage bucket on the swarm and must never be
// reused with a new meaning.
type Namespace int16

const (
	// NamespaceDefault is the plain message bucket, not a config store.
	NamespaceDefault           Namespace = 0
	NamespaceUserProfile       Namespace = 2
	NamespaceContacts          Namespace = 3
	NamespaceConvoInfoVolatile Namespace = 4
	NamespaceUserGroups        Namespace = 5
	NamespaceGroupInfo         Namespace = 11
	NamespaceGroupMembers      Namespace = 12
	NamespaceGroupKeys         Namespace = 13
)

func (n Namespace) String() string {
	switch n {
	case NamespaceDefault:
		return "Default"
	case NamespaceUserProfile:
		return "UserProfile"
	case NamespaceContacts:
		return "Contacts"
	case NamespaceConvoInfoVolatile:
		return "ConvoInfoVolatile"
	case NamespaceUserGroups:
		return "UserGroups"
	case NamespaceGroupInfo:
		return "GroupInfo"
	case NamespaceGroupMembers:
		return "GroupMembers"
	case NamespaceGroupKeys:
		return "GroupKeys"
	default:
		return "Unknown"
	}
}

// The storage network's payload ceiling for one namespace message,
// ciphertext bytes net of the swarm envelope.
const CiphertextBudget = 76800

// Each namespace derives its own key from the account seed so a leaked
// namespace key exposes nothing else.
func deriveNamespaceKey(seed []byte, ns Namespace) ([]byte, error) {
	return crypto.DeriveKey(seed, ns.String())
}
