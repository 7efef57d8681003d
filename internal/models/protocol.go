package models

// Protocol is a BoltzGen design protocol. The set is closed; any other
// value is rejected at submission time.
type Protocol string

const (
	ProtocolProteinAnything      Protocol = "protein-anything"
	ProtocolPeptideAnything      Protocol = "peptide-anything"
	ProtocolProteinSmallMolecule Protocol = "protein-small_molecule"
	ProtocolNanobodyAnything     Protocol = "nanobody-anything"
	ProtocolAntibodyAnything     Protocol = "antibody-anything"
)

// ProtocolDescriptions maps each protocol to its user-facing description
var ProtocolDescriptions = map[Protocol]string{
	ProtocolProteinAnything:      "General protein binder design (default)",
	ProtocolPeptideAnything:      "Peptide binder design (filters cysteines, lower diversity)",
	ProtocolProteinSmallMolecule: "Protein-small molecule interaction design (includes affinity metrics)",
	ProtocolNanobodyAnything:     "Nanobody binder design (filters cysteines)",
	ProtocolAntibodyAnything:     "Antibody binder design (filters cysteines)",
}

// IsValid reports whether the protocol is one of the supported set
func (p Protocol) IsValid() bool {
	_, ok := ProtocolDescriptions[p]
	return ok
}

// Protocols returns the supported protocols in their documented order
func Protocols() []Protocol {
	return []Protocol{
		ProtocolProteinAnything,
		ProtocolPeptideAnything,
		ProtocolProteinSmallMolecule,
		ProtocolNanobodyAnything,
		ProtocolAntibodyAnything,
	}
}

// ProtocolList renders the supported set for error messages
func ProtocolList() string {
	var s string
	for i, p := range Protocols() {
		if i > 0 {
			s += ", "
		}
		s += string(p)
	}
	return s
}
