package notification

// Template kinds match reminder types.
const (
	KindMedication   = "medication"
	KindFollowUp     = "follow_up_appointment"
	KindLabTest      = "lab_test"
	KindSymptomCheck = "symptom_check"
)

var builtIn = []Template{
	{
		ID:      TemplateID(KindMedication, "en"),
		Name:    "Medication Reminder",
		Subject: "Medication reminder: {{medication_name}}",
		Body: `It's time to take {{medication_name}}.
Dosage: {{dosage}}
Time: {{time}}
Instructions: {{instructions}}
Reply TAKEN once you have taken your medicine.`,
	},
	{
		ID:      TemplateID(KindMedication, "hi"),
		Name:    "Medication Reminder (Hindi)",
		Subject: "दवा रिमाइंडर: {{medication_name}}",
		Body: `{{medication_name}} लेने का समय हो गया है।
खुराक: {{dosage}}
समय: {{time}}
निर्देश: {{instructions}}
दवा लेने के बाद TAKEN लिखकर जवाब दें।`,
	},
	{
		ID:      TemplateID(KindFollowUp, "en"),
		Name:    "Appointment Reminder",
		Subject: "Appointment reminder: {{doctor_name}}",
		Body: `You have an upcoming appointment.
Doctor: {{doctor_name}}
Clinic: {{clinic_name}}
Date: {{date}}
Time: {{time}}
Address: {{address}}
Please arrive 15 minutes early. Reply CONFIRM to confirm.`,
	},
	{
		ID:      TemplateID(KindFollowUp, "hi"),
		Name:    "Appointment Reminder (Hindi)",
		Subject: "अपॉइंटमेंट रिमाइंडर: {{doctor_name}}",
		Body: `आपकी एक अपॉइंटमेंट आने वाली है।
डॉक्टर: {{doctor_name}}
क्लिनिक: {{clinic_name}}
तारीख: {{date}}
समय: {{time}}
पता: {{address}}
कृपया 15 मिनट पहले पहुँचें। पुष्टि के लिए CONFIRM लिखकर जवाब दें।`,
	},
	{
		ID:      TemplateID(KindLabTest, "en"),
		Name:    "Lab Test Reminder",
		Subject: "Lab test reminder: {{test_name}}",
		Body: `Your lab test is scheduled.
Test: {{test_name}}
Lab: {{lab_name}}
Date: {{date}}
Time: {{time}}
Fasting required: {{fasting_required}}
Instructions: {{instructions}}
Please carry your prescription and an ID.`,
	},
	{
		ID:      TemplateID(KindLabTest, "hi"),
		Name:    "Lab Test Reminder (Hindi)",
		Subject: "लैब टेस्ट रिमाइंडर: {{test_name}}",
		Body: `आपका लैब टेस्ट निर्धारित है।
टेस्ट: {{test_name}}
लैब: {{lab_name}}
तारीख: {{date}}
समय: {{time}}
खाली पेट: {{fasting_required}}
निर्देश: {{instructions}}
कृपया अपना पर्चा और पहचान पत्र साथ लाएँ।`,
	},
	{
		ID:      TemplateID(KindSymptomCheck, "en"),
		Name:    "Symptom Check",
		Subject: "How are you feeling today?",
		Body: `Hello {{patient_name}},
How are you feeling today? Please reply with:
1. Your pain level (1-10)
2. Any new symptoms
3. Whether you are taking your medicines on time`,
	},
	{
		ID:      TemplateID(KindSymptomCheck, "hi"),
		Name:    "Symptom Check (Hindi)",
		Subject: "आज आप कैसा महसूस कर रहे हैं?",
		Body: `नमस्ते {{patient_name}},
आज आप कैसा महसूस कर रहे हैं? कृपया जवाब दें:
1. दर्द का स्तर (1-10)
2. कोई नया लक्षण
3. क्या आप समय पर दवाएँ ले रहे हैं`,
	},
	{
		ID:      TemplateID(KindEscalation, "en"),
		Name:    "Escalation Alert",
		Subject: "URGENT PATIENT ALERT: {{priority}}",
		Body: `No response to an urgent reminder.
Patient: {{patient_name}}
Phone: {{patient_phone}}
Reminder: {{title}}
Sent at: {{sent_at}}
Waiting for: {{waited}}
Please contact the patient immediately.`,
	},
}
