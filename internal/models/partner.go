package models

import "fmt"

// Partner identifies a partner ecosystem that deals are synchronized with.
type Partner string

const (
	PartnerAWS       Partner = "aws"
	PartnerMicrosoft Partner = "microsoft"
	PartnerGCP       Partner = "gcp"
)

// AllPartners returns every supported partner.
func AllPartners() []Partner {
	return []Partner{PartnerAWS, PartnerMicrosoft, PartnerGCP}
}

// Valid reports whether the partner is one of the supported systems.
func (p Partner) Valid() bool {
	switch p {
	case PartnerAWS, PartnerMicrosoft, PartnerGCP:
		return true
	default:
		return false
	}
}

func (p Partner) String() string {
	return string(p)
}

// ParsePartner converts a string to a Partner.
func ParsePartner(s string) (Partner, error) {
	p := Partner(s)
	if !p.Valid() {
		return "", fmt.Errorf("unknown partner %q", s)
	}
	return p, nil
}
