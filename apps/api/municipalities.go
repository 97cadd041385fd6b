package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"net/mail"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const maxMunicipalityFieldLength = 200

// Municipality is an outreach contact responsible for cleaning up dumps
// reported in its city.
type Municipality struct {
	ID            string  `json:"id"`
	Name          string  `json:"name"`
	CityID        *string `json:"city_id"`
	Email         string  `json:"email"`
	Phone         string  `json:"phone"`
	Address       string  `json:"address"`
	ContactPerson string  `json:"contact_person"`
	CreatedAt     string  `json:"created_at"`
	UpdatedAt     string  `json:"updated_at"`
}

type MunicipalityInput struct {
	Name          string  `json:"name"`
	CityID        *string `json:"city_id"`
	Email         string  `json:"email"`
	Phone         string  `json:"phone"`
	Address       string  `json:"address"`
	ContactPerson string  `json:"contact_person"`
}

func (in *MunicipalityInput) normalize() {
	in.Name = strings.TrimSpace(in.Name)
	in.Email = strings.ToLower(strings.TrimSpace(in.Email))
	in.Phone = strings.TrimSpace(in.Phone)
	in.Address = strings.TrimSpace(in.Address)
	in.ContactPerson = strings.TrimSpace(in.ContactPerson)
	if in.CityID != nil {
		trimmed := strings.TrimSpace(*in.CityID)
		if trimmed == "" {
			in.CityID = nil
		} else {
			in.CityID = &trimmed
		}
	}
}

func validateMunicipalityInput(in MunicipalityInput) error {
	if in.Name == "" {
		return &apiError{Status: http.StatusBadRequest, Code: "invalid_name", Message: "Name is required"}
	}
	for _, field := range []string{in.Name, in.Phone, in.Address, in.ContactPerson} {
		if len([]rune(field)) > maxMunicipalityFieldLength {
			return &apiError{Status: http.StatusBadRequest, Code: "field_too_long", Message: "Municipality fields are limited to 200 characters"}
		}
	}
	if in.Email != "" {
		if _, err := mail.ParseAddress(in.Email); err != nil {
			return &apiError{Status: http.StatusBadRequest, Code: "invalid_email", Message: "Invalid email address"}
		}
	}
	if in.CityID != nil {
		if _, err := uuid.Parse(*in.CityID); err != nil {
			return &apiError{Status: http.StatusBadRequest, Code: "invalid_city", Message: "city_id must be a UUID"}
		}
	}
	return nil
}

const municipalitySelect = `
	SELECT id::text, name, city_id::text, email, phone, address, contact_person, created_at, updated_at
	FROM municipalities
`

func scanMunicipality(scanner rowScanner) (*Municipality, error) {
	var m Municipality
	var cityID sql.NullString
	var createdAt, updatedAt time.Time
	if err := scanner.Scan(&m.ID, &m.Name, &cityID, &m.Email, &m.Phone, &m.Address, &m.ContactPerson, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if cityID.Valid {
		m.CityID = &cityID.String
	}
	m.CreatedAt = createdAt.UTC().Format(time.RFC3339)
	m.UpdatedAt = updatedAt.UTC().Format(time.RFC3339)
	return &m, nil
}

func (a *App) listMunicipalities(ctx context.Context) ([]Municipality, error) {
	rows, err := a.db.QueryContext(ctx, municipalitySelect+` ORDER BY name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Municipality{}
	for rows.Next() {
		m, err := scanMunicipality(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

func (a *App) getMunicipalityByID(ctx context.Context, id string) (*Municipality, error) {
	m, err := scanMunicipality(a.db.QueryRowContext(ctx, municipalitySelect+` WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return m, err
}

// municipalityForCity picks the contact for a report's city, oldest first
// when a city has several.
func (a *App) municipalityForCity(ctx context.Context, cityID string) (*Municipality, error) {
	m, err := scanMunicipality(a.db.QueryRowContext(ctx, municipalitySelect+` WHERE city_id = $1 ORDER BY created_at ASC LIMIT 1`, cityID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return m, err
}

func (a *App) createMunicipality(ctx context.Context, in MunicipalityInput) (*Municipality, error) {
	return scanMunicipality(a.db.QueryRowContext(ctx, `
		INSERT INTO municipalities (name, city_id, email, phone, address, contact_person)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id::text, name, city_id::text, email, phone, address, contact_person, created_at, updated_at
	`, in.Name, in.CityID, in.Email, in.Phone, in.Address, in.ContactPerson))
}

func (a *App) updateMunicipality(ctx context.Context, id string, in MunicipalityInput) (*Municipality, error) {
	m, err := scanMunicipality(a.db.QueryRowContext(ctx, `
		UPDATE municipalities
		SET name = $2, city_id = $3, email = $4, phone = $5, address = $6, contact_person = $7, updated_at = NOW()
		WHERE id = $1
		RETURNING id::text, name, city_id::text, email, phone, address, contact_person, created_at, updated_at
	`, id, in.Name, in.CityID, in.Email, in.Phone, in.Address, in.ContactPerson))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return m, err
}

func (a *App) deleteMunicipality(ctx context.Context, id string) (bool, error) {
	res, err := a.db.ExecContext(ctx, `DELETE FROM municipalities WHERE id = $1`, id)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func parseUUIDParam(c *gin.Context, name string) (string, bool) {
	id := strings.TrimSpace(c.Param(name))
	if _, err := uuid.Parse(id); err != nil {
		writeAPIError(c, &apiError{Status: http.StatusBadRequest, Code: "invalid_id", Message: "Invalid identifier"})
		return "", false
	}
	return id, true
}

var errMunicipalityNotFound = &apiError{Status: http.StatusNotFound, Code: "not_found", Message: "Municipality not found"}

func (a *App) listMunicipalitiesHandler(c *gin.Context) {
	items, err := a.listMunicipalities(c.Request.Context())
	if err != nil {
		writeAPIError(c, err)
		return
	}
	c.JSON(http.StatusOK, items)
}

func (a *App) getMunicipalityHandler(c *gin.Context) {
	id, ok := parseUUIDParam(c, "id")
	if !ok {
		return
	}
	m, err := a.getMunicipalityByID(c.Request.Context(), id)
	if err != nil {
		writeAPIError(c, err)
		return
	}
	if m == nil {
		writeAPIError(c, errMunicipalityNotFound)
		return
	}
	c.JSON(http.StatusOK, m)
}

func bindMunicipalityInput(c *gin.Context) (MunicipalityInput, bool) {
	var in MunicipalityInput
	if err := c.ShouldBindJSON(&in); err != nil {
		writeAPIError(c, &apiError{Status: http.StatusBadRequest, Code: "invalid_payload", Message: "Invalid JSON body"})
		return in, false
	}
	in.normalize()
	if err := validateMunicipalityInput(in); err != nil {
		writeAPIError(c, err)
		return in, false
	}
	return in, true
}

func (a *App) createMunicipalityHandler(c *gin.Context) {
	in, ok := bindMunicipalityInput(c)
	if !ok {
		return
	}
	m, err := a.createMunicipality(c.Request.Context(), in)
	if err != nil {
		writeAPIError(c, err)
		return
	}
	a.log.Info("municipality created", "id", m.ID, "name", m.Name)
	c.JSON(http.StatusCreated, m)
}

func (a *App) updateMunicipalityHandler(c *gin.Context) {
	id, ok := parseUUIDParam(c, "id")
	if !ok {
		return
	}
	in, ok := bindMunicipalityInput(c)
	if !ok {
		return
	}
	m, err := a.updateMunicipality(c.Request.Context(), id, in)
	if err != nil {
		writeAPIError(c, err)
		return
	}
	if m == nil {
		writeAPIError(c, errMunicipalityNotFound)
		return
	}
	c.JSON(http.StatusOK, m)
}

func (a *App) deleteMunicipalityHandler(c *gin.Context) {
	id, ok := parseUUIDParam(c, "id")
	if !ok {
		return
	}
	found, err := a.deleteMunicipality(c.Request.Context(), id)
	if err != nil {
		writeAPIError(c, err)
		return
	}
	if !found {
		writeAPIError(c, errMunicipalityNotFound)
		return
	}
	a.log.Info("municipality deleted", "id", id)
	c.Status(http.StatusNoContent)
}
