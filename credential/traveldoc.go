package credential

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/portid/credential-issuance-backend/interfaces"
)

// TravelDocNamespace holds a travel document's data groups as claims. Claim
// names are "dg1" through "dg16"; values are the raw group contents.
const TravelDocNamespace = "org.icao.9303"

// NewTravelDocument wraps a state-issued document security object and the
// presented data groups as a verify-only credential. Travel documents carry
// no commitment root; the signed per-group hashes inside the security
// object bind the claims instead. Validity dates come from the machine-
// readable zone and are supplied by the caller.
func NewTravelDocument(securityObject []byte, dataGroups map[int][]byte, issued, expiry time.Time) (*Credential, error) {
	if len(securityObject) == 0 {
		return nil, interfaces.NewInputError("securityObject", "must not be empty")
	}
	if len(dataGroups) == 0 {
		return nil, interfaces.NewInputError("dataGroups", "must not be empty")
	}

	claims := Claims{TravelDocNamespace: make(map[string]Claim, len(dataGroups))}
	for number, content := range dataGroups {
		if number < 1 || number > 16 {
			return nil, interfaces.NewInputError("dataGroups", "data group numbers run 1 through 16")
		}
		if len(content) == 0 {
			return nil, interfaces.NewInputError("dataGroups", "empty data group content")
		}
		claims[TravelDocNamespace][fmt.Sprintf("dg%d", number)] = Claim{Value: string(content)}
	}

	return &Credential{
		ID:      uuid.NewString(),
		DocType: interfaces.DocTypeTravelDoc,
		Claims:  claims,
		IssuerAuth: IssuerAuth{
			Format:   FormatCMS,
			Envelope: securityObject,
		},
		IssueDate:  issued.UTC().Truncate(time.Second),
		ExpiryDate: expiry.UTC().Truncate(time.Second),
		Status:     interfaces.StatusActive,
	}, nil
}
