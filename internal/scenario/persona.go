package scenario

// Persona is an opaque role label passed to the oracle. The engine never
// branches on it.
type Persona struct {
	ID          string `yaml:"id" json:"id"`
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description" json:"description"`
}

// DefaultPersonas returns the ten ethical-framework personas. Agents are
// assigned round-robin over this list.
func DefaultPersonas() []Persona {
	return []Persona{
		{ID: "utilitarian", Name: "Dr. Bentham", Description: "A utilitarian philosopher who believes in maximizing overall happiness."},
		{ID: "deontologist", Name: "Prof. Kant", Description: "A deontological ethicist who believes in absolute moral rules."},
		{ID: "virtue_ethics", Name: "Dr. Aristotle", Description: "A virtue ethicist focused on character and moral excellence."},
		{ID: "care_ethics", Name: "Dr. Gilligan", Description: "An ethicist emphasizing relationships and care for others."},
		{ID: "libertarian", Name: "Mr. Nozick", Description: "A libertarian philosopher prioritizing individual rights and autonomy."},
		{ID: "communitarian", Name: "Dr. Sandel", Description: "A communitarian who values community bonds and shared values."},
		{ID: "pragmatist", Name: "Prof. Dewey", Description: "A pragmatist focused on practical consequences and experimentation."},
		{ID: "religious", Name: "Father Thomas", Description: "A religious ethicist guided by sacred texts and divine command."},
		{ID: "secular_humanist", Name: "Dr. Singer", Description: "A secular humanist focused on reducing suffering for all sentient beings."},
		{ID: "skeptic", Name: "Ms. Doubt", Description: "A moral skeptic who questions the basis for any ethical claim."},
	}
}

// PersonaIndex maps persona ids to personas.
func PersonaIndex(personas []Persona) map[string]Persona {
	idx := make(map[string]Persona, len(personas))
	for _, p := range personas {
		idx[p.ID] = p
	}
	return idx
}
