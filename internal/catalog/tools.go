package catalog

// Builtin returns the gateway's tool table. The set is fixed per process:
// the KYC group is included only when enabled in configuration.
func Builtin(opts Options) []Descriptor {
	phoneSchema := Schema{
		Type: "object",
		Properties: map[string]Property{
			"phone": {Type: "string", Description: "Phone number with country code"},
		},
		Required: []string{"phone"},
	}

	descriptors := []Descriptor{
		{
			Name:          "check_whatsapp",
			Description:   "Check if a phone number is registered on WhatsApp.",
			Cost:          1,
			GuestEligible: true,
			Category:      "platforms",
			InputSchema:   phoneSchema,
		},
		{
			Name:          "check_online_platforms",
			Description:   "Check which online platforms a phone number is registered on.",
			Cost:          1,
			GuestEligible: true,
			Category:      "platforms",
			InputSchema:   phoneSchema,
		},
		{
			Name:        "check_breaches",
			Description: "Check if a phone number or email appears in known data breaches.",
			Cost:        1,
			Category:    "security",
			InputSchema: Schema{
				Type: "object",
				Properties: map[string]Property{
					"phone": {Type: "string", Description: "Phone number to check"},
					"email": {Type: "string", Description: "Email address to check"},
				},
			},
		},
		{
			Name:        "check_digital_commerce_activity",
			Description: "Check a phone number's activity across digital commerce platforms.",
			Cost:        1,
			Category:    "commerce",
			InputSchema: phoneSchema,
		},
		{
			Name:        "get_identity_profile",
			Description: "Build a consolidated identity profile from a phone number.",
			Cost:        3,
			Category:    "investigation",
			InputSchema: phoneSchema,
		},
		{
			Name:        "get_name",
			Description: "Resolve the registered name behind a phone number.",
			Cost:        2,
			Category:    "investigation",
			InputSchema: phoneSchema,
		},
		{
			Name:        "get_email",
			Description: "Find email addresses associated with a phone number.",
			Cost:        2,
			Category:    "investigation",
			InputSchema: phoneSchema,
		},
		{
			Name:        "get_address",
			Description: "Find addresses associated with a phone number.",
			Cost:        2,
			Category:    "investigation",
			InputSchema: phoneSchema,
		},
		{
			Name:        "get_alternate_phones",
			Description: "Get other phone numbers belonging to the same person.",
			Cost:        2,
			Category:    "investigation",
			InputSchema: phoneSchema,
		},
		{
			Name:        "traceflow",
			Description: "Comprehensive phone investigation combining multiple data sources.",
			Cost:        5,
			Category:    "investigation",
			InputSchema: Schema{
				Type: "object",
				Properties: map[string]Property{
					"phone": {Type: "string", Description: "Phone number with country code"},
					"depth": {Type: "string", Description: "Investigation depth: basic or full"},
				},
				Required: []string{"phone"},
			},
		},
	}

	if opts.EnableKYC {
		panSchema := Schema{
			Type: "object",
			Properties: map[string]Property{
				"pan": {Type: "string", Description: "Permanent Account Number"},
			},
			Required: []string{"pan"},
		}
		mobileSchema := Schema{
			Type: "object",
			Properties: map[string]Property{
				"mobile": {Type: "string", Description: "Mobile number"},
			},
			Required: []string{"mobile"},
		}

		descriptors = append(descriptors,
			Descriptor{
				Name:        "verify_pan",
				Description: "Verify a PAN and retrieve holder details.",
				Cost:        1,
				Category:    "kyc",
				InputSchema: panSchema,
			},
			Descriptor{
				Name:        "verify_pan_detailed",
				Description: "Comprehensive PAN verification with additional details.",
				Cost:        2,
				Category:    "kyc",
				InputSchema: panSchema,
			},
			Descriptor{
				Name:        "mobile_to_pan",
				Description: "Find the PAN associated with a mobile number.",
				Cost:        2,
				Category:    "kyc",
				InputSchema: mobileSchema,
			},
			Descriptor{
				Name:        "mobile_to_kyc",
				Description: "Get complete KYC details from a mobile number.",
				Cost:        3,
				Category:    "kyc",
				InputSchema: mobileSchema,
			},
		)
	}

	return descriptors
}
