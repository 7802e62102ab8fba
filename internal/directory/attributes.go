package directory

import (
	"strings"
)

// Attribute maps a directory attribute to the engine parameter it is sent as.
type Attribute struct {
	Name  string
	Param string
}

var attributes = []Attribute{
	{"UserPrincipalName", "userPrincipalName"},
	{"GivenName", "givenName"},
	{"Surname", "surname"},
	{"Mail", "email"},
	{"Department", "department"},
	{"EmployeeId", "employeeId"},
	{"AgeGroup", "ageGroup"},
	{"City", "city"},
	{"CompanyName", "companyName"},
	{"ConsentProvidedForMinor", "consentProvidedForMinor"},
	{"Country", "country"},
	{"DisplayName", "displayName"},
	{"EmployeeType", "employeeType"},
	{"ExternalUserState", "externalUserState"},
	{"FaxNumber", "faxNumber"},
	{"JobTitle", "jobTitle"},
	{"LegalAgeGroupClassification", "legalAgeGroupClassification"},
	{"MailNickname", "mailNickname"},
	{"MobilePhone", "mobilePhone"},
	{"OfficeLocation", "officeLocation"},
	{"PostalCode", "postalCode"},
	{"PreferredLanguage", "preferredLanguage"},
	{"State", "state"},
	{"StreetAddress", "streetAddress"},
	{"UserType", "userType"},
	{"UsageLocation", "usageLocation"},
	{"MySite", "mySite"},
	{"AboutMe", "aboutMe"},
	{"PreferredName", "preferredName"},
}

// Attributes returns the full attribute table.
func Attributes() []Attribute {
	out := make([]Attribute, len(attributes))
	copy(out, attributes)
	return out
}

func FindAttribute(name string) (Attribute, bool) {
	name = strings.TrimSpace(name)
	for _, a := range attributes {
		if strings.EqualFold(a.Name, name) {
			return a, true
		}
	}
	return Attribute{}, false
}

// ParseAttributes resolves a comma separated attribute list. Names that are
// not in the table are returned separately so the caller can report them.
func ParseAttributes(csv string) (attrs []Attribute, unknown []string) {
	seen := map[string]bool{}
	for _, part := range strings.Split(csv, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		a, ok := FindAttribute(part)
		if !ok {
			unknown = append(unknown, part)
			continue
		}
		if seen[a.Name] {
			continue
		}
		seen[a.Name] = true
		attrs = append(attrs, a)
	}
	return attrs, unknown
}

// Merge copies the profile values of attrs into params under their engine names.
func Merge(params map[string]any, profile Profile, attrs []Attribute) {
	for _, a := range attrs {
		if v, ok := profile.Get(a.Name); ok {
			params[a.Param] = v
		}
	}
}
