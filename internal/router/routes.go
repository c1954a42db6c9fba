package router

// DefaultRoutes are the advice areas used when the workspace file lists none.
var DefaultRoutes = []Route{
	{Name: "benefits_and_universal_credit", Description: "Universal Credit, legacy benefits, sanctions, mandatory reconsiderations and appeals",
		Augmentation: "Check which benefits the client already receives and whether a decision can still be challenged within the time limit."},
	{Name: "charitable_support_and_food_banks", Description: "food bank referrals, grants and charitable help",
		Augmentation: "Point to referral routes and eligibility criteria for local and national grant schemes."},
	{Name: "consumer_goods_and_services", Description: "faulty goods, refunds, contracts with traders",
		Augmentation: "Identify the relevant consumer right and the steps the client should take with the trader first."},
	{Name: "debt", Description: "priority and non-priority debts, bailiffs, debt solutions",
		Augmentation: "Separate priority from non-priority debts and note any enforcement action already under way."},
	{Name: "education", Description: "school admissions, exclusions, special educational needs, student finance",
		Augmentation: "Note the deadlines for appeals and which body makes the decision."},
	{Name: "employment", Description: "dismissal, pay, discrimination at work, employment tribunals",
		Augmentation: "Check length of service and the time limit for early conciliation before anything else."},
	{Name: "financial_services_and_capability", Description: "banking, insurance, pensions, scams",
		Augmentation: "Say whether the Financial Ombudsman Service can be used and what the firm must do first."},
	{Name: "gva_and_hate_crime", Description: "domestic abuse, gender-based violence and hate crime",
		Augmentation: "Put the client's immediate safety first and list the specialist support routes."},
	{Name: "health_and_community_care", Description: "NHS services, social care assessments, complaints",
		Augmentation: "Explain who is responsible for the assessment and how to complain if it is refused."},
	{Name: "housing", Description: "renting, eviction, homelessness, repairs and council housing",
		Augmentation: "Check tenancy type and whether any notice served is valid before giving options."},
	{Name: "immigration_and_asylum", Description: "immigration status, visas, asylum support",
		Augmentation: "Only regulated advisers may give immigration advice; say where the query must be referred."},
	{Name: "legal", Description: "courts, legal aid, civil disputes",
		Augmentation: "Explain the procedure and whether legal aid may be available."},
	{Name: "relationships_and_family", Description: "separation, child arrangements, child maintenance",
		Augmentation: "Cover child maintenance and child arrangements separately."},
	{Name: "tax", Description: "income tax, council tax, HMRC disputes",
		Augmentation: "Say which authority is responsible and any reductions the client may qualify for."},
	{Name: "travel_and_transport", Description: "parking tickets, driving, public transport",
		Augmentation: "Identify who issued any penalty and the route and deadline for challenging it."},
	{Name: "utilities_and_communications", Description: "energy, water, phone and broadband",
		Augmentation: "Check for arrears, priority services register eligibility and the supplier's complaints process."},
}
