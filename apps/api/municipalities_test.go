package main

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateMunicipalityInput(t *testing.T) {
	cityID := testCityID
	badCity := "montreuil"
	tests := []struct {
		name     string
		input    MunicipalityInput
		wantCode string
	}{
		{name: "valid", input: MunicipalityInput{Name: "Mairie de Montreuil", Email: "proprete@montreuil.test", CityID: &cityID}},
		{name: "name only", input: MunicipalityInput{Name: "Mairie de Bagnolet"}},
		{name: "missing name", input: MunicipalityInput{Email: "a@b.test"}, wantCode: "invalid_name"},
		{name: "bad email", input: MunicipalityInput{Name: "Mairie", Email: "not an email"}, wantCode: "invalid_email"},
		{name: "bad city", input: MunicipalityInput{Name: "Mairie", CityID: &badCity}, wantCode: "invalid_city"},
		{name: "long address", input: MunicipalityInput{Name: "Mairie", Address: strings.Repeat("é", maxMunicipalityFieldLength+1)}, wantCode: "field_too_long"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateMunicipalityInput(tt.input)
			if tt.wantCode == "" {
				assert.NoError(t, err)
				return
			}
			var apiErr *apiError
			require.True(t, errors.As(err, &apiErr), "got %v", err)
			assert.Equal(t, tt.wantCode, apiErr.Code)
		})
	}
}

func TestMunicipalityInputNormalize(t *testing.T) {
	blank := "   "
	in := MunicipalityInput{Name: "  Mairie de Pantin ", Email: " Voirie@Pantin.TEST ", CityID: &blank}
	in.normalize()

	assert.Equal(t, "Mairie de Pantin", in.Name)
	assert.Equal(t, "voirie@pantin.test", in.Email)
	assert.Nil(t, in.CityID)
}

func TestCreateMunicipalityHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	app, mock := newMockApp(t)
	router := app.newRouter()
	created := time.Date(2026, 10, 18, 8, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`INSERT INTO municipalities`).
		WithArgs("Mairie de Montreuil", testCityID, "proprete@montreuil.test", "", "", "").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "city_id", "email", "phone", "address", "contact_person", "created_at", "updated_at"}).
			AddRow("7a1b2c3d-4e5f-4a6b-8c7d-9e0f1a2b3c4d", "Mairie de Montreuil", testCityID, "proprete@montreuil.test", "", "", "", created, created))

	body := `{"name":" Mairie de Montreuil ","email":"Proprete@Montreuil.test","city_id":"` + testCityID + `"}`
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authenticatedRequest(t, app, http.MethodPost, "/api/v1/operator/municipalities", body))

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"city_id":"`+testCityID+`"`)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMunicipalityHandlersRejectBadInput(t *testing.T) {
	gin.SetMode(gin.TestMode)
	app, mock := newMockApp(t)
	router := app.newRouter()

	for _, tc := range []struct {
		method, target, body string
	}{
		{http.MethodPost, "/api/v1/operator/municipalities", `{"name":""}`},
		{http.MethodPost, "/api/v1/operator/municipalities", `{"name":`},
		{http.MethodGet, "/api/v1/operator/municipalities/montreuil", ""},
		{http.MethodPut, "/api/v1/operator/municipalities/montreuil", `{"name":"Mairie"}`},
	} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, authenticatedRequest(t, app, tc.method, tc.target, tc.body))
		assert.Equal(t, http.StatusBadRequest, rec.Code, tc.target)
	}
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteMunicipalityHandlerNotFound(t *testing.T) {
	gin.SetMode(gin.TestMode)
	app, mock := newMockApp(t)
	router := app.newRouter()
	id := "7a1b2c3d-4e5f-4a6b-8c7d-9e0f1a2b3c4d"

	mock.ExpectExec(`DELETE FROM municipalities WHERE id = \$1`).
		WithArgs(id).
		WillReturnResult(sqlmock.NewResult(0, 0))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authenticatedRequest(t, app, http.MethodDelete, "/api/v1/operator/municipalities/"+id, ""))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}
