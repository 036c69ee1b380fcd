package model

import "strings"

// Hotline is a public emergency number shown on the resources screen.
type Hotline struct {
	Name   string `json:"name"`
	Number string `json:"number"`
	Icon   string `json:"icon"`
	Dial   string `json:"dial"`
}

// DialURI returns the tel: link the client opens to place the call.
func (h Hotline) DialURI() string {
	return "tel:" + strings.ReplaceAll(h.Number, "-", "")
}

// TipCategory groups safety tips under a heading.
type TipCategory struct {
	Title string   `json:"title"`
	Tips  []string `json:"tips"`
}

// Resources is the read-only reference content of the app.
type Resources struct {
	Hotlines   []Hotline     `json:"hotlines"`
	SafetyTips []TipCategory `json:"safetyTips"`
}

// DefaultResources returns a fresh copy of the built-in hotlines and tips.
func DefaultResources() Resources {
	r := Resources{
		Hotlines: []Hotline{
			{Name: "Police", Number: "911", Icon: "shield"},
			{Name: "Ambulance", Number: "911", Icon: "medical"},
			{Name: "Fire Department", Number: "911", Icon: "flame"},
			{Name: "Domestic Violence Hotline", Number: "1-800-799-7233", Icon: "home"},
			{Name: "Suicide Prevention Lifeline", Number: "988", Icon: "heart"},
		},
		SafetyTips: []TipCategory{
			{
				Title: "Personal Safety",
				Tips: []string{
					"Stay aware of your surroundings",
					"Walk confidently and stay in well-lit areas",
					"Keep your phone charged and accessible",
					"Share your location with trusted contacts",
				},
			},
			{
				Title: "Home Safety",
				Tips: []string{
					"Keep doors and windows locked",
					"Install security cameras or alarms",
					"Have an emergency escape plan",
					"Know your neighbors",
				},
			},
		},
	}
	for i := range r.Hotlines {
		r.Hotlines[i].Dial = r.Hotlines[i].DialURI()
	}
	return r
}
