package display

import (
	"fmt"
	"log/slog"

	"github.com/chaz8081/firminia/internal/devconfig"
)

// StringID names one translated UI string.
type StringID int

const (
	StrWarmingUp StringID = iota
	StrWaitingConfig
	StrConfigUpdated
	StrConnectingWiFi
	StrCheckingSignatures
	StrDossierToSign
	StrDossiersToSign
	StrNoDossiers
	StrNoWiFiSleeping
	StrAPIError
	StrUnknownState
	StrRelax
	StrUpdating
	StrUpdateFailed

	strCount
)

// Stable error codes shown next to error messages.
const (
	CodeAPIError     = "E-002"
	CodeUnknownState = "E-003"
	CodeUpdateFailed = "E-004"
)

// translations is indexed by [StringID][Language].
var translations = [strCount][4]string{
	StrWarmingUp: {
		"Warming\nup...",
		"Avvio\nin corso...",
		"Mise en\nmarche...",
		"Calentando...",
	},
	StrWaitingConfig: {
		"Waiting for\nconfig...",
		"In attesa di\nconfigurazione...",
		"En attente de\nconfiguration...",
		"Esperando\nconfiguración...",
	},
	StrConfigUpdated: {
		"Configuration\nupdated!",
		"Configurazione\naggiornata!",
		"Configuration\nmise a jour!",
		"Configuracion\nactualizada!",
	},
	StrConnectingWiFi: {
		"Connecting\nto Wi-Fi...",
		"Connessione\na Wi-Fi...",
		"Connexion\nau Wi-Fi...",
		"Conectando\na Wi-Fi...",
	},
	StrCheckingSignatures: {
		"Checking\nsignatures for\n%s...",
		"Controllo\nfirme per\n%s...",
		"Verification\ndes signatures pour\n%s...",
		"Verificando\nfirmas para\n%s...",
	},
	StrDossierToSign: {
		"dossier\nto sign!",
		"pratica\nda firmare!",
		"enveloppe\na signer!",
		"practica\npara firmar!",
	},
	StrDossiersToSign: {
		"dossiers\nto sign!",
		"pratiche\nda firmare!",
		"enveloppes\na signer!",
		"practicas\npara firmar!",
	},
	StrNoDossiers: {
		"No dossiers\nto sign.",
		"Nessuna pratica\nda firmare.",
		"Aucune enveloppe\na signer.",
		"No hay practicas\npara firmar.",
	},
	StrNoWiFiSleeping: {
		"No Wi-Fi.\nsleeping...",
		"Nessun Wi-Fi,\nin attesa...",
		"Pas de Wi-Fi.\nen veille...",
		"Sin Wi-Fi.\ndurmiendo...",
	},
	StrAPIError: {
		"API error!\n" + CodeAPIError,
		"Errore API!\n" + CodeAPIError,
		"Erreur API!\n" + CodeAPIError,
		"Error API!\n" + CodeAPIError,
	},
	StrUnknownState: {
		"Unknown state.\n" + CodeUnknownState,
		"Stato sconosciuto.\n" + CodeUnknownState,
		"Etat inconnu.\n" + CodeUnknownState,
		"Estado desconocido.\n" + CodeUnknownState,
	},
	StrRelax: {
		"Relax.",
		"Rilassati.",
		"Detendez-vous.",
		"Relajate.",
	},
	StrUpdating: {
		"Updating\nfirmware...",
		"Aggiornamento\nfirmware...",
		"Mise a jour\ndu firmware...",
		"Actualizando\nfirmware...",
	},
	StrUpdateFailed: {
		"Update failed!\n" + CodeUpdateFailed,
		"Aggiornamento\nfallito!\n" + CodeUpdateFailed,
		"Echec de la\nmise a jour!\n" + CodeUpdateFailed,
		"Actualizacion\nfallida!\n" + CodeUpdateFailed,
	},
}

// Text returns the string for id in lang. Unknown ids or languages yield
// the English unknown-state message.
func Text(id StringID, lang devconfig.Language) string {
	if id < 0 || id >= strCount || !lang.Valid() {
		slog.Error("[Display] invalid string lookup", "id", int(id), "language", lang)
		return translations[StrUnknownState][devconfig.English]
	}
	return translations[id][lang]
}

// LanguageName is the language's name in that language.
func LanguageName(lang devconfig.Language) string {
	switch lang {
	case devconfig.English:
		return "English"
	case devconfig.Italian:
		return "Italiano"
	case devconfig.French:
		return "Francais"
	case devconfig.Spanish:
		return "Espanol"
	default:
		return "Unknown"
	}
}

// Message composes the full text for a display state.
func Message(s State, count int, lang devconfig.Language, user string) string {
	switch s {
	case StateWarmingUp:
		return Text(StrWarmingUp, lang)
	case StateBleAdvertising:
		return Text(StrWaitingConfig, lang)
	case StateConfigUpdated:
		return Text(StrConfigUpdated, lang)
	case StateWifiConnecting:
		return Text(StrConnectingWiFi, lang)
	case StateCheckingApi:
		if user == "" {
			user = "-"
		}
		return fmt.Sprintf(Text(StrCheckingSignatures, lang), user)
	case StateShowingCount:
		if count == 1 {
			return fmt.Sprintf("%d\n%s", count, Text(StrDossierToSign, lang))
		}
		return fmt.Sprintf("%d\n%s", count, Text(StrDossiersToSign, lang))
	case StateNoItems:
		return Text(StrNoDossiers, lang) + "\n" + Text(StrRelax, lang)
	case StateNoWifi:
		return Text(StrNoWiFiSleeping, lang)
	case StateApiError:
		return Text(StrAPIError, lang)
	case StateOtaUpdate:
		return Text(StrUpdating, lang)
	case StateOtaFailed:
		return Text(StrUpdateFailed, lang)
	default:
		return Text(StrUnknownState, lang)
	}
}
