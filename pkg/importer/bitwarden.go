package importer

import (
	"encoding/json"
	"fmt"
	"strings"
)

// BitwardenParser parses Bitwarden JSON export files (item types 1-4).
type BitwardenParser struct{}

// Bitwarden item types.
const (
	bitwardenTypeLogin      = 1
	bitwardenTypeSecureNote = 2
	bitwardenTypeCard       = 3
	bitwardenTypeIdentity   = 4
)

// Bitwarden custom field types.
const (
	bitwardenFieldText    = 0
	bitwardenFieldHidden  = 1
	bitwardenFieldBoolean = 2
)

// bitwardenExport represents the top-level Bitwarden export structure.
type bitwardenExport struct {
	Encrypted   bool                  `json:"encrypted"`
	Items       []bitwardenItem       `json:"items"`
	Folders     []bitwardenFolder     `json:"folders"`
	Collections []bitwardenCollection `json:"collections"`
}

// bitwardenFolder represents a Bitwarden folder.
type bitwardenFolder struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// bitwardenCollection represents an organization collection.
type bitwardenCollection struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// bitwardenItem represents a Bitwarden vault item.
type bitwardenItem struct {
	Type          int                    `json:"type"`
	Name          string                 `json:"name"`
	Notes         string                 `json:"notes"`
	FolderID      *string                `json:"folderId"`
	CollectionIDs []string               `json:"collectionIds"`
	Login         *bitwardenLogin        `json:"login"`
	Card          *bitwardenCard         `json:"card"`
	Identity      *bitwardenIdentity     `json:"identity"`
	Fields        []bitwardenCustomField `json:"fields"`
}

// bitwardenLogin represents Bitwarden login data.
type bitwardenLogin struct {
	URIs     []bitwardenURI `json:"uris"`
	Username string         `json:"username"`
	Password string         `json:"password"`
	TOTP     string         `json:"totp"`
}

type bitwardenURI struct {
	URI string `json:"uri"`
}

// bitwardenCard represents Bitwarden card data.
type bitwardenCard struct {
	CardholderName string `json:"cardholderName"`
	Number         string `json:"number"`
	ExpMonth       string `json:"expMonth"`
	ExpYear        string `json:"expYear"`
	Code           string `json:"code"`
	Brand          string `json:"brand"`
}

// bitwardenIdentity represents Bitwarden identity data.
type bitwardenIdentity struct {
	Title          string `json:"title"`
	FirstName      string `json:"firstName"`
	MiddleName     string `json:"middleName"`
	LastName       string `json:"lastName"`
	Username       string `json:"username"`
	Company        string `json:"company"`
	Email          string `json:"email"`
	Phone          string `json:"phone"`
	Address1       string `json:"address1"`
	Address2       string `json:"address2"`
	Address3       string `json:"address3"`
	City           string `json:"city"`
	State          string `json:"state"`
	PostalCode     string `json:"postalCode"`
	Country        string `json:"country"`
	SSN            string `json:"ssn"`
	PassportNumber string `json:"passportNumber"`
	LicenseNumber  string `json:"licenseNumber"`
}

type bitwardenCustomField struct {
	Name  string `json:"name"`
	Value string `json:"value"`
	Type  int    `json:"type"`
}

// Source returns the source type for this parser.
func (p *BitwardenParser) Source() Source {
	return SourceBitwarden
}

// Parse parses Bitwarden JSON data.
func (p *BitwardenParser) Parse(data []byte, opts ParseOptions) (*ImportResult, error) {
	result := &ImportResult{
		Records:  make([]*ImportedRecord, 0),
		Warnings: make([]string, 0),
		Skipped:  make([]SkippedItem, 0),
	}

	var export bitwardenExport
	if err := json.Unmarshal(data, &export); err != nil {
		return nil, fmt.Errorf("failed to parse Bitwarden JSON: %w", err)
	}
	if export.Encrypted {
		return nil, fmt.Errorf("encrypted Bitwarden exports are not supported, export as unencrypted JSON")
	}

	groupNames := make(map[string]string)
	for _, f := range export.Folders {
		groupNames[f.ID] = f.Name
	}
	for _, c := range export.Collections {
		groupNames[c.ID] = c.Name
	}

	itemCounter := 1

	for i := range export.Items {
		item := &export.Items[i]
		record, warning := p.parseItem(item, groupNames, opts, &itemCounter)
		if warning != "" {
			result.Warnings = append(result.Warnings, fmt.Sprintf("item %d (%s): %s", i+1, item.Name, warning))
		}
		if record != nil {
			result.Records = append(result.Records, record)
		} else if warning == "" {
			result.Skipped = append(result.Skipped, SkippedItem{
				OriginalName: item.Name,
				Reason:       "no useful data",
			})
		}
	}

	DeduplicateItems(result.Records)

	return result, nil
}

// parseItem parses a single Bitwarden item. The folder names the group; an
// organization item without a folder uses its first collection.
func (p *BitwardenParser) parseItem(item *bitwardenItem, groupNames map[string]string, opts ParseOptions, itemCounter *int) (*ImportedRecord, string) {
	var value, url string
	var fields []field

	switch item.Type {
	case bitwardenTypeLogin:
		value, url, fields = p.parseLogin(item)
	case bitwardenTypeSecureNote:
		value = item.Notes
	case bitwardenTypeCard:
		value, fields = p.parseCard(item)
	case bitwardenTypeIdentity:
		value, fields = p.parseIdentity(item)
	default:
		return nil, fmt.Sprintf("unsupported item type: %d", item.Type)
	}

	for _, cf := range item.Fields {
		name := SanitizeName(cf.Name)
		if name == "" {
			name = "custom_field"
		}
		if cf.Type == bitwardenFieldHidden {
			name += " (hidden)"
		}
		fields = append(fields, field{name, cf.Value})
	}

	text := item.Notes
	if item.Type == bitwardenTypeSecureNote {
		text = ""
	}
	note := buildNote(fields, text)

	if value == "" && note == nil {
		return nil, ""
	}

	var group string
	if item.FolderID != nil {
		group = groupNames[*item.FolderID]
	}
	if group == "" {
		for _, id := range item.CollectionIDs {
			if name := groupNames[id]; name != "" {
				group = name
				break
			}
		}
	}

	return newRecord(group, item.Name, url, value, note, opts, itemCounter), ""
}

// parseLogin returns the password, the primary URL and the other login
// fields.
func (p *BitwardenParser) parseLogin(item *bitwardenItem) (string, string, []field) {
	if item.Login == nil {
		return "", "", nil
	}
	login := item.Login

	var primary string
	fields := []field{{"username", login.Username}}
	for i, u := range login.URIs {
		if u.URI == "" {
			continue
		}
		if primary == "" {
			primary = u.URI
			fields = append(fields, field{"url", u.URI})
			continue
		}
		fields = append(fields, field{fmt.Sprintf("url_%d", i+1), u.URI})
	}
	fields = append(fields, field{"totp", login.TOTP})

	return login.Password, primary, fields
}

// parseCard returns the card number as the value.
func (p *BitwardenParser) parseCard(item *bitwardenItem) (string, []field) {
	if item.Card == nil {
		return "", nil
	}
	card := item.Card

	var expiry string
	if card.ExpMonth != "" || card.ExpYear != "" {
		expiry = strings.Trim(card.ExpMonth+"/"+card.ExpYear, "/")
	}

	return card.Number, []field{
		{"cardholder_name", card.CardholderName},
		{"brand", card.Brand},
		{"expiry", expiry},
		{"cvv", card.Code},
	}
}

// parseIdentity folds the identity into the value as "name: value" lines.
func (p *BitwardenParser) parseIdentity(item *bitwardenItem) (string, []field) {
	if item.Identity == nil {
		return "", nil
	}
	id := item.Identity

	fullName := strings.Join(strings.Fields(strings.Join([]string{id.FirstName, id.MiddleName, id.LastName}, " ")), " ")
	identity := []field{
		{"title", id.Title},
		{"name", fullName},
		{"username", id.Username},
		{"company", id.Company},
		{"email", id.Email},
		{"phone", id.Phone},
		{"address1", id.Address1},
		{"address2", id.Address2},
		{"address3", id.Address3},
		{"city", id.City},
		{"state", id.State},
		{"postal_code", id.PostalCode},
		{"country", id.Country},
		{"ssn", id.SSN},
		{"passport", id.PassportNumber},
		{"license", id.LicenseNumber},
	}

	value := buildNote(identity, "")
	if value == nil {
		return "", nil
	}
	return *value, nil
}
