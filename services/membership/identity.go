package membership

import (
	"encoding/json"
	"strings"
	"time"

	"sitecrew/pkg/validate"
)

// User is the Identity Record: common fields plus exactly one role profile.
type User struct {
	ID          string
	Email       string
	FirstName   string
	LastName    string
	PhoneNumber string
	PhotoKey    string
	Profile     RoleProfile
	CreatedAt   time.Time
	UpdatedAt   time.Time

	version int64
}

// RoleProfile is the role-specific part of a user. The set of variants is
// closed: ContractorProfile, SubcontractorProfile and TechnicianProfile.
type RoleProfile interface {
	Role() Role
	isRoleProfile()
}

// ContractorProfile belongs to a General Contractor.
type ContractorProfile struct {
	CompanyName string
	ManagedSubs []string
}

// SubcontractorProfile belongs to a Subcontractor.
type SubcontractorProfile struct {
	CompanyName   string
	AssociatedGCs []string
	ManagedTechs  []string
}

// TechnicianProfile belongs to a Technician. Only technicians carry a specialization.
type TechnicianProfile struct {
	Specialization  string
	ManagedBy       string
	PreviousManager string
}

func (ContractorProfile) Role() Role    { return RoleGC }
func (SubcontractorProfile) Role() Role { return RoleSub }
func (TechnicianProfile) Role() Role    { return RoleTech }

func (ContractorProfile) isRoleProfile()    {}
func (SubcontractorProfile) isRoleProfile() {}
func (TechnicianProfile) isRoleProfile()    {}

// Role returns the user's role, or "" for a user without a profile.
func (u User) Role() Role {
	if u.Profile == nil {
		return ""
	}
	return u.Profile.Role()
}

// FullName joins first and last name.
func (u User) FullName() string {
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

// Company returns the company name for roles that have one.
func (u User) Company() string {
	switch p := u.Profile.(type) {
	case ContractorProfile:
		return p.CompanyName
	case SubcontractorProfile:
		return p.CompanyName
	default:
		return ""
	}
}

// userDoc is the stored shape of users/{id}.
type userDoc struct {
	ID              string    `json:"id"`
	Email           string    `json:"email"`
	Role            Role      `json:"role"`
	FirstName       string    `json:"firstName"`
	LastName        string    `json:"lastName"`
	PhoneNumber     string    `json:"phoneNumber"`
	PhotoKey        string    `json:"photoKey,omitempty"`
	CompanyName     string    `json:"companyName,omitempty"`
	Specialization  string    `json:"specialization,omitempty"`
	ManagedBy       string    `json:"managedBy,omitempty"`
	PreviousManager string    `json:"previousManager,omitempty"`
	ManagedSubs     []string  `json:"managedSubs,omitempty"`
	AssociatedGCs   []string  `json:"associatedGCs,omitempty"`
	ManagedTechs    []string  `json:"managedTechs,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

func (d userDoc) toUser() User {
	u := User{
		ID:          d.ID,
		Email:       d.Email,
		FirstName:   d.FirstName,
		LastName:    d.LastName,
		PhoneNumber: d.PhoneNumber,
		PhotoKey:    d.PhotoKey,
		CreatedAt:   d.CreatedAt,
		UpdatedAt:   d.UpdatedAt,
	}
	switch d.Role {
	case RoleGC:
		u.Profile = ContractorProfile{CompanyName: d.CompanyName, ManagedSubs: d.ManagedSubs}
	case RoleSub:
		u.Profile = SubcontractorProfile{CompanyName: d.CompanyName, AssociatedGCs: d.AssociatedGCs, ManagedTechs: d.ManagedTechs}
	case RoleTech:
		u.Profile = TechnicianProfile{Specialization: d.Specialization, ManagedBy: d.ManagedBy, PreviousManager: d.PreviousManager}
	}
	return u
}

func fromUser(u User) userDoc {
	d := userDoc{
		ID:          u.ID,
		Email:       u.Email,
		Role:        u.Role(),
		FirstName:   u.FirstName,
		LastName:    u.LastName,
		PhoneNumber: u.PhoneNumber,
		PhotoKey:    u.PhotoKey,
		CreatedAt:   u.CreatedAt,
		UpdatedAt:   u.UpdatedAt,
	}
	switch p := u.Profile.(type) {
	case ContractorProfile:
		d.CompanyName = p.CompanyName
		d.ManagedSubs = p.ManagedSubs
	case SubcontractorProfile:
		d.CompanyName = p.CompanyName
		d.AssociatedGCs = p.AssociatedGCs
		d.ManagedTechs = p.ManagedTechs
	case TechnicianProfile:
		d.Specialization = p.Specialization
		d.ManagedBy = p.ManagedBy
		d.PreviousManager = p.PreviousManager
	}
	return d
}

// MarshalJSON renders the stored shape, so API responses match documents.
func (u User) MarshalJSON() ([]byte, error) {
	return json.Marshal(fromUser(u))
}

// UnmarshalJSON accepts the stored shape.
func (u *User) UnmarshalJSON(data []byte) error {
	var d userDoc
	if err := json.Unmarshal(data, &d); err != nil {
		return err
	}
	version := u.version
	*u = d.toUser()
	u.version = version
	return nil
}

// Specializations offered to technicians at profile completion.
var Specializations = []string{
	"Electrician",
	"Plumber",
	"HVAC",
	"Carpenter",
	"Mason",
	"Painter",
	"Roofer",
	"Welder",
	"General Labor",
	"Other",
}

// ValidEmail reports whether s looks like an email address.
func ValidEmail(s string) bool {
	return validate.Email(s)
}

// ProfileInput is what a user submits to complete or update their profile.
type ProfileInput struct {
	Role           Role   `json:"role" validate:"oneof=GC Sub Tech"`
	FirstName      string `json:"firstName" validate:"required,max=100"`
	LastName       string `json:"lastName" validate:"required,max=100"`
	PhoneNumber    string `json:"phoneNumber" validate:"phone"`
	CompanyName    string `json:"companyName,omitempty" validate:"required_if=Role Sub,max=200"`
	Specialization string `json:"specialization,omitempty" validate:"required_if=Role Tech,excluded_unless=Role Tech"`
}

// validate checks the input and returns the normalised copy.
func (in ProfileInput) validate(email string) (ProfileInput, error) {
	in.FirstName = strings.TrimSpace(in.FirstName)
	in.LastName = strings.TrimSpace(in.LastName)
	in.CompanyName = strings.TrimSpace(in.CompanyName)
	in.Specialization = strings.TrimSpace(in.Specialization)

	fields := validate.Struct(in)
	if !ValidEmail(email) {
		if fields == nil {
			fields = map[string]string{}
		}
		fields["email"] = "a valid email is required"
	}
	if len(fields) > 0 {
		return in, withMetadata(CodeValidation, "invalid profile", fields)
	}
	in.PhoneNumber, _ = validate.NormalizePhone(in.PhoneNumber)
	return in, nil
}

// profileFor builds the role variant for a freshly completed profile.
func (in ProfileInput) profileFor() RoleProfile {
	switch in.Role {
	case RoleGC:
		return ContractorProfile{CompanyName: in.CompanyName}
	case RoleSub:
		return SubcontractorProfile{CompanyName: in.CompanyName}
	default:
		return TechnicianProfile{Specialization: in.Specialization}
	}
}
